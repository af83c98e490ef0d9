package tokens

import "testing"

func TestHeuristic(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1}, // short text rounds up to one token
		{"abc", 1},
		{"abcd", 1},
		{"abcdefgh", 2},
		{"aaaaaaaaaaaaaaaaaaaa", 5},
	}
	for _, c := range cases {
		if got := Heuristic(c.text); got != c.want {
			t.Errorf("Heuristic(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}

func TestCount_NonEmpty(t *testing.T) {
	e := NewEstimator()
	if got := e.Count("some-unknown-model", "hello world, how are you?"); got <= 0 {
		t.Errorf("count should be positive, got %d", got)
	}
	if got := e.Count("some-unknown-model", ""); got != 0 {
		t.Errorf("empty text should count zero, got %d", got)
	}
}

func TestCount_Stable(t *testing.T) {
	e := NewEstimator()
	a := e.Count("gpt-4o", "the same text")
	b := e.Count("gpt-4o", "the same text")
	if a != b {
		t.Errorf("repeated counts differ: %d vs %d", a, b)
	}
}

func TestCountMessages_AddsFramingOverhead(t *testing.T) {
	e := NewEstimator()
	contents := []string{"first message", "second message body"}

	want := 0
	for _, c := range contents {
		want += e.Count("m", c) + messageOverhead
	}
	if got := e.CountMessages("m", contents); got != want {
		t.Errorf("CountMessages = %d, want %d", got, want)
	}

	if got := e.CountMessages("m", nil); got != 0 {
		t.Errorf("no messages should count zero, got %d", got)
	}
}
