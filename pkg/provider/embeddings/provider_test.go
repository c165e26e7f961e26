package embeddings

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, want: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, want: 0},
		{name: "opposite", a: []float32{1, 1}, b: []float32{-1, -1}, want: -1},
		{name: "scaled", a: []float32{1, 2}, b: []float32{2, 4}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCosine_Undefined(t *testing.T) {
	cases := map[string][2][]float32{
		"length mismatch": {{1, 2}, {1, 2, 3}},
		"zero vector":     {{0, 0}, {1, 2}},
		"empty":           {nil, nil},
	}
	for name, c := range cases {
		if got := Cosine(c[0], c[1]); !math.IsNaN(got) {
			t.Errorf("%s: Cosine = %v, want NaN", name, got)
		}
	}
}

func TestMaxCosine(t *testing.T) {
	v := []float32{1, 0}
	refs := [][]float32{{0, 1}, {1, 0}, {0, 0}}
	if got := MaxCosine(v, refs); math.Abs(got-1) > 1e-9 {
		t.Errorf("MaxCosine = %v, want 1", got)
	}
	if got := MaxCosine(v, nil); !math.IsNaN(got) {
		t.Errorf("MaxCosine(no refs) = %v, want NaN", got)
	}
}

func TestChunked(t *testing.T) {
	var calls [][]string
	fn := func(_ context.Context, texts []string) ([][]float32, error) {
		calls = append(calls, texts)
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{float32(len(texts[i]))}
		}
		return out, nil
	}

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	got, err := Chunked(context.Background(), texts, 2, fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected 3 chunk calls, got %d", len(calls))
	}
	for i, v := range got {
		if int(v[0]) != len(texts[i]) {
			t.Errorf("result %d = %v, want %d", i, v, len(texts[i]))
		}
	}
}

func TestChunked_Error(t *testing.T) {
	want := errors.New("boom")
	fn := func(_ context.Context, texts []string) ([][]float32, error) { return nil, want }
	if _, err := Chunked(context.Background(), []string{"a", "b", "c"}, 1, fn); !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}
