package store

import (
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerKey(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		tr := Trigger{TriggerTime: 1735689600, WorkflowID: uuid.New(), TaskID: uuid.New()}
		parsed, err := parseTriggerKey(triggerKey(tr))
		require.NoError(t, err)
		assert.Equal(t, tr, parsed)
	})

	t.Run("lexical order matches time order", func(t *testing.T) {
		wfID, taskID := uuid.New(), uuid.New()
		times := []int64{999999, 1, 1735689600, 42, 100000000000}
		keys := make([]string, len(times))
		for i, at := range times {
			keys[i] = triggerKey(Trigger{TriggerTime: at, WorkflowID: wfID, TaskID: taskID})
		}
		sort.Strings(keys)
		var got []int64
		for _, key := range keys {
			tr, err := parseTriggerKey(key)
			require.NoError(t, err, "parse %s", key)
			got = append(got, tr.TriggerTime)
		}
		want := append([]int64(nil), times...)
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
		assert.Equal(t, want, got)
	})

	t.Run("rejects malformed keys", func(t *testing.T) {
		bad := []string{"", "123", "123.not-a-uuid", "abc.def.ghi"}
		for _, key := range bad {
			_, err := parseTriggerKey(key)
			assert.Error(t, err, "key %q", key)
		}
	})
}

func TestCorrelationKey(t *testing.T) {
	t.Run("produces NATS-safe keys", func(t *testing.T) {
		key := correlationKey(LookupKey{Attr: "order id", Value: "ord/1 *>_payments"})
		for _, r := range key {
			safe := r == '.' || r == '-' || r == '_' || r == '=' ||
				(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			require.True(t, safe, "unsafe rune %q in key %s", r, key)
		}
	})

	t.Run("distinct pairs stay distinct", func(t *testing.T) {
		// Concatenation ambiguity: ("ab", "c") vs ("a", "bc").
		a := correlationKey(LookupKey{Attr: "ab", Value: "c"})
		b := correlationKey(LookupKey{Attr: "a", Value: "bc"})
		assert.NotEqual(t, a, b)
	})

	t.Run("key has two encoded segments", func(t *testing.T) {
		key := correlationKey(LookupKey{Attr: "order_id", Value: "ord-1_payments"})
		assert.Len(t, strings.Split(key, "."), 2)
	})
}
