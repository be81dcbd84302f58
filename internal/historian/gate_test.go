package historian

import "testing"

func TestRegexHits(t *testing.T) {
	hits := regexHits("我今天去了这里一趟")
	if len(hits["pronoun"]) == 0 {
		t.Error("expected a pronoun hit")
	}
	if len(hits["relative_time"]) == 0 {
		t.Error("expected a relative_time hit")
	}
	if len(hits["relative_place"]) == 0 {
		t.Error("expected a relative_place hit")
	}
}

func TestRegexHits_CleanText(t *testing.T) {
	hits := regexHits("张三在2024年去了北京")
	if len(hits) != 0 {
		t.Errorf("expected no hits, got %+v", hits)
	}
}

func TestEntityIDDrift(t *testing.T) {
	source := "用户123456789向群987654321发送了消息"
	candidate := "张三向群987654321发送了消息"
	known := map[string]bool{}

	drift := entityIDDrift(source, candidate, known)
	if len(drift) != 1 || drift[0] != "123456789" {
		t.Errorf("expected drift [123456789], got %v", drift)
	}
}

func TestEntityIDDrift_KnownIDsExcluded(t *testing.T) {
	source := "用户123456789说了一句话"
	candidate := "某人说了一句话"
	known := map[string]bool{"123456789": true}

	drift := entityIDDrift(source, candidate, known)
	if len(drift) != 0 {
		t.Errorf("expected no drift for known id, got %v", drift)
	}
}

func TestEvaluateGate_AcceptsCleanAbsoluteText(t *testing.T) {
	v := evaluateGate("用户123456789喜欢猫", "张三（123456789）喜欢猫", nil)
	if !v.IsAbsolute {
		t.Errorf("expected absolute verdict, got %+v", v)
	}
}

func TestEvaluateGate_RejectsPronounAndDrift(t *testing.T) {
	v := evaluateGate("用户123456789今天很开心", "他今天很开心", nil)
	if v.IsAbsolute {
		t.Error("expected non-absolute verdict")
	}
	if len(v.Hits) == 0 {
		t.Error("expected regex hits")
	}
	if len(v.Drift) == 0 {
		t.Error("expected entity id drift")
	}
}
