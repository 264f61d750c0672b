package risk

import "testing"

func TestCalculateRanking(t *testing.T) {
	cases := []struct {
		name       string
		severity   int
		likelihood int
		want       Rank
	}{
		{name: "worst case", severity: 5, likelihood: 5, want: RankHigh},
		{name: "high boundary", severity: 5, likelihood: 3, want: RankHigh},
		{name: "just under high", severity: 4, likelihood: 3, want: RankMedium},
		{name: "medium boundary", severity: 3, likelihood: 2, want: RankMedium},
		{name: "just under medium", severity: 5, likelihood: 1, want: RankLow},
		{name: "best case", severity: 1, likelihood: 1, want: RankLow},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CalculateRanking(tc.severity, tc.likelihood); got != tc.want {
				t.Fatalf("CalculateRanking(%d, %d) = %q, want %q", tc.severity, tc.likelihood, got, tc.want)
			}
		})
	}
}

func TestValidateFactors(t *testing.T) {
	if err := ValidateFactors(3, 4); err != nil {
		t.Fatalf("ValidateFactors(3, 4) error = %v", err)
	}
	if err := ValidateFactors(0, 4); err == nil {
		t.Fatal("expected error for severity below range")
	}
	if err := ValidateFactors(3, 6); err == nil {
		t.Fatal("expected error for likelihood above range")
	}
}
