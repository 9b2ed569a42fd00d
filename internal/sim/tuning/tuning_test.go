package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_RepoConfig(t *testing.T) {
	tu, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tu != Defaults() {
		t.Fatalf("configs/tuning.yaml drifted from Defaults(): %+v", tu)
	}
}

func TestParse_ProfileWithOverride(t *testing.T) {
	tu, err := Parse([]byte("profile: contest\nmax_bots: 20\nenergy:\n  clear_empty: 4\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tu.MaxBots != 20 {
		t.Fatalf("max_bots: %d", tu.MaxBots)
	}
	want := ContestEnergy()
	want.ClearEmpty = 4
	if tu.Energy != want {
		t.Fatalf("energy: got %+v want %+v", tu.Energy, want)
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{
		"profile: cheap\n",
		"max_bots: 0\n",
		"energy:\n  fill_empty: -1\n",
		"max_bots: [\n",
		"energy:\n  merge: -24\n",
		"energy:\n  clear_full: -1\n",
		"profile: contest\nenergy:\n  merge: -25\n",
		"profile: contest\nenergy:\n  clear_full: -12\n  fill_empty: 11\n",
		"profile: contest\nenergy:\n  clear_empty: -3\n",
	} {
		if _, err := Parse([]byte(in)); err == nil {
			t.Fatalf("Parse(%q): expected error", in)
		}
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestValidate_RefundsAreContestOnly(t *testing.T) {
	tu := Defaults()
	tu.Energy = ContestEnergy()
	if err := tu.Validate(); err == nil {
		t.Fatalf("contest refunds accepted under profile %q", tu.Profile)
	}
	tu.Profile = ProfileContest
	if err := tu.Validate(); err != nil {
		t.Fatalf("contest profile: %v", err)
	}
	tu.Energy.Merge = 0
	tu.Profile = ProfileDefault
	tu.Energy.ClearFull = 0
	if err := tu.Validate(); err != nil {
		t.Fatalf("non-negative table under default profile: %v", err)
	}
}
