package book

import (
	"reflect"
	"testing"

	"github.com/taleforge/api/internal/model"
)

func manifestWith(pages ...PageSpec) *Manifest {
	return &Manifest{Slug: "fox", PositivePrompt: "x", Pages: pages}
}

func page(num int, prepay, postpay, swap bool) PageSpec {
	return PageSpec{PageNum: num, BaseURI: "p.png", NeedsFaceSwap: swap, Availability: Availability{Prepay: prepay, Postpay: postpay}}
}

func TestFlaggedOrFirstN_Pads(t *testing.T) {
	m := manifestWith(page(3, false, true, false), page(1, true, true, true), page(2, false, true, false))

	got := PageNumsForStage(m, model.StagePrepay, FlaggedOrFirstN(2))
	if !reflect.DeepEqual(got, []int{1, 2}) {
		t.Errorf("flagged [1] padded = %v, want [1 2]", got)
	}
}

func TestFlaggedOrFirstN_KeepsAllFlagged(t *testing.T) {
	m := manifestWith(page(5, true, true, false), page(4, true, true, false), page(2, true, true, false), page(1, false, true, false))

	got := FlaggedOrFirstN(2)(m)
	if !reflect.DeepEqual(got, []int{2, 4, 5}) {
		t.Errorf("got %v", got)
	}
}

func TestFirstNVisible(t *testing.T) {
	m := manifestWith(page(1, false, true, false), page(2, false, true, false), page(3, false, false, false),
		page(4, false, true, false), page(5, false, true, false), page(23, false, true, false))

	got := FirstNVisible(3, 1, 23)(m)
	if !reflect.DeepEqual(got, []int{2, 4, 5}) {
		t.Errorf("got %v", got)
	}
}

func TestFirstAndLastVisible(t *testing.T) {
	m := manifestWith(page(1, false, true, false), page(2, false, true, false), page(7, false, true, false), page(23, false, true, false))

	if got := FirstAndLastVisible(1, 23)(m); !reflect.DeepEqual(got, []int{2, 7}) {
		t.Errorf("got %v", got)
	}
	single := manifestWith(page(4, false, true, false))
	if got := FirstAndLastVisible()(single); !reflect.DeepEqual(got, []int{4}) {
		t.Errorf("single page = %v", got)
	}
	if got := FirstAndLastVisible(4)(single); got != nil {
		t.Errorf("all hidden = %v", got)
	}
}

func TestPageNumsForStage_SortedAndDeduped(t *testing.T) {
	m := manifestWith(page(9, false, true, false), page(2, false, true, false), page(5, false, false, false), page(4, false, true, false))

	got := PageNumsForStage(m, model.StagePostpay, nil)
	if !reflect.DeepEqual(got, []int{2, 4, 9}) {
		t.Errorf("postpay = %v", got)
	}

	dupes := func(*Manifest) []int { return []int{4, 2, 4, 2} }
	if got := PageNumsForStage(m, model.StagePrepay, dupes); !reflect.DeepEqual(got, []int{2, 4}) {
		t.Errorf("policy output not normalized: %v", got)
	}
	if again := PageNumsForStage(m, model.StagePostpay, nil); !reflect.DeepEqual(again, []int{2, 4, 9}) {
		t.Errorf("repeated call differs: %v", again)
	}
}

func TestStageHasFaceSwap(t *testing.T) {
	m := manifestWith(page(1, false, true, false), page(2, false, true, false), page(3, false, true, true))

	if StageHasFaceSwap(m, model.StagePrepay, FlaggedOrFirstN(2)) {
		t.Errorf("prepay pages 1,2 are text only")
	}
	if !StageHasFaceSwap(m, model.StagePostpay, nil) {
		t.Errorf("postpay includes page 3")
	}
}

func TestPolicyByName(t *testing.T) {
	for _, name := range []string{"", "flagged", "first_n_visible", "first_last"} {
		if _, err := PolicyByName(name, 2, []int{1}); err != nil {
			t.Errorf("PolicyByName(%q): %v", name, err)
		}
	}
	if _, err := PolicyByName("random", 2, nil); err == nil {
		t.Errorf("unknown policy should fail")
	}
}

func TestResolver_Contains(t *testing.T) {
	m := manifestWith(page(1, false, true, false), page(2, false, true, false), page(3, false, true, true))
	r := NewResolver(nil)

	if !r.Contains(m, model.StagePrepay, 2) || r.Contains(m, model.StagePrepay, 3) {
		t.Errorf("prepay membership wrong: %v", r.Pages(m, model.StagePrepay))
	}
}
