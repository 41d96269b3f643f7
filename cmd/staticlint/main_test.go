package main

import (
	"testing"

	"golang.org/x/tools/go/analysis"
)

func TestFilterAnalyzers(t *testing.T) {
	first := &analysis.Analyzer{Name: "metrickeylit"}
	tests := []struct {
		name     string
		input    []*analysis.Analyzer
		expected []string
	}{
		{
			name:     "keeps distinct analyzers in order",
			input:    []*analysis.Analyzer{{Name: "SA1000"}, first, {Name: "nilerr"}},
			expected: []string{"SA1000", "metrickeylit", "nilerr"},
		},
		{
			name:     "drops nil and duplicates",
			input:    []*analysis.Analyzer{nil, first, {Name: "metrickeylit"}, nil},
			expected: []string{"metrickeylit"},
		},
		{
			name:     "empty input",
			input:    []*analysis.Analyzer{},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filtered := filterAnalyzers(tt.input)
			if len(filtered) != len(tt.expected) {
				t.Fatalf("expected %d analyzers, got %d", len(tt.expected), len(filtered))
			}
			for i, a := range filtered {
				if a.Name != tt.expected[i] {
					t.Errorf("analyzer %d: got %s, want %s", i, a.Name, tt.expected[i])
				}
			}
		})
	}

	if got := filterAnalyzers([]*analysis.Analyzer{first, {Name: "metrickeylit"}}); got[0] != first {
		t.Error("the first analyzer of a name must win")
	}
}
