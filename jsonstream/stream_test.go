package jsonstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect runs a stream over the chunks and returns all events.
func collect(t *testing.T, chunks []string, options ...Option) []Event {
	t.Helper()
	var events []Event
	s := New(func(e Event) { events = append(events, e) }, options...)
	for _, c := range chunks {
		s.Feed(c)
	}
	s.Close()
	return events
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func lastOf(events []Event, kind EventKind) (Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == kind {
			return events[i], true
		}
	}
	return Event{}, false
}

func TestStreamEmitsPreambleThenObject(t *testing.T) {
	events := collect(t, []string{"Sure, here you go: ", `{"a": 1}`})

	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, EventN1, events[0].Kind)
	assert.Equal(t, "Sure, here you go: ", events[0].Text)

	final, ok := lastOf(events, EventFinal)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": float64(1)}, final.Value)
}

func TestStreamAbruptTermination(t *testing.T) {
	events := collect(t, []string{`{"intention":"USE_TOOLS","tools":[{"name":"x"`})

	final, ok := lastOf(events, EventFinal)
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"intention": "USE_TOOLS",
		"tools":     []any{map[string]any{"name": "x"}},
	}, final.Value)
}

func TestStreamSnapshotsGrowMonotonically(t *testing.T) {
	chunks := []string{`{"inten`, `tion":"USE`, `_TOOLS","thoughts":"loo`, `king"}`}

	events := collect(t, chunks)

	var prev map[string]any
	for _, e := range events {
		if e.Kind != EventSnapshot {
			continue
		}
		cur := e.Value.(map[string]any)
		for k, v := range prev {
			got, present := cur[k]
			require.True(t, present, "key %q retracted", k)
			prevStr, isStr := v.(string)
			if isStr {
				assert.Contains(t, got.(string), prevStr)
			}
		}
		prev = cur
	}

	final, ok := lastOf(events, EventFinal)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"intention": "USE_TOOLS", "thoughts": "looking"}, final.Value)
}

func TestStreamHalfKeyIsNeverEmitted(t *testing.T) {
	events := collect(t, []string{`{"na`, `me":"v"}`})

	for _, e := range events {
		if e.Kind != EventSnapshot {
			continue
		}
		_, halfKey := e.Value.(map[string]any)["na"]
		assert.False(t, halfKey)
	}
}

func TestStreamSecondObjectMarker(t *testing.T) {
	events := collect(t, []string{`{"a":1}`, " and also ", `{"b":2}`})

	n2, ok := lastOf(events, EventN2)
	require.True(t, ok)
	assert.Equal(t, " and also ", n2.Text)

	// The first object stays the parse target; the second is dropped.
	final, ok := lastOf(events, EventFinal)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": float64(1)}, final.Value)
}

func TestStreamTopLevelArray(t *testing.T) {
	events := collect(t, []string{"Results: ", `[1, {"a":`, ` 1}, "tail`})

	n1, ok := lastOf(events, EventN1)
	require.True(t, ok)
	assert.Equal(t, "Results: ", n1.Text)

	final, ok := lastOf(events, EventFinal)
	require.True(t, ok)
	assert.Equal(t, []any{float64(1), map[string]any{"a": float64(1)}, "tail"}, final.Value)
}

func TestStreamSecondValueMarkerAfterArray(t *testing.T) {
	events := collect(t, []string{`[1] then `, `["x"]`})

	n2, ok := lastOf(events, EventN2)
	require.True(t, ok)
	assert.Equal(t, " then ", n2.Text)

	final, ok := lastOf(events, EventFinal)
	require.True(t, ok)
	assert.Equal(t, []any{float64(1)}, final.Value)
}

func TestStreamBraceInsideStringIsNotAMarker(t *testing.T) {
	events := collect(t, []string{`{"a":"{not json}"} {"b":1}`})

	n2, ok := lastOf(events, EventN2)
	require.True(t, ok)
	assert.Equal(t, " ", n2.Text)
}

func TestStreamToleratesCasedLiteralsAndControlChars(t *testing.T) {
	events := collect(t, []string{"{\"ok\":True,\"none\":NULL,\"s\":\"a\nb\"}"})

	final, ok := lastOf(events, EventFinal)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"ok": true, "none": nil, "s": "a\nb"}, final.Value)
}

func TestStreamControlCharsCanBeForbidden(t *testing.T) {
	events := collect(t, []string{"{\"s\":\"a\nb\"}"}, WithoutControlChars())

	_, ok := lastOf(events, EventFinal)
	assert.False(t, ok)
}

func TestStreamTrailingGarbageDropped(t *testing.T) {
	events := collect(t, []string{`{"a": [1, 2.5, -3]} hope that helps!`})

	final, ok := lastOf(events, EventFinal)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": []any{float64(1), float64(2.5), float64(-3)}}, final.Value)
}

func TestStreamNoObjectMeansNoEvents(t *testing.T) {
	events := collect(t, []string{"just prose, no json at all"})
	assert.Empty(t, kinds(events))
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	var finals int
	s := New(func(e Event) {
		if e.Kind == EventFinal {
			finals++
		}
	})
	s.Feed(`{"a":1}`)
	s.Close()
	s.Close()
	assert.Equal(t, 1, finals)
}

func TestLenient(t *testing.T) {
	tests := []struct {
		in   string
		want any
		ok   bool
	}{
		{`{"q": "hi"}`, map[string]any{"q": "hi"}, true},
		{` {"n": 1} `, map[string]any{"n": float64(1)}, true},
		{`{"flag": TRUE}`, map[string]any{"flag": true}, true},
		{`{"q": "hi`, map[string]any{"q": "hi"}, true},
		{``, nil, false},
		{`not json`, nil, false},
	}

	for _, tt := range tests {
		got, ok := Lenient(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.in)
		}
	}
}
