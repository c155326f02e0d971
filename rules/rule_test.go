package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		context    map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Valid true expression",
			expression: "age > 18",
			context:    map[string]interface{}{"age": 25},
			wantResult: true,
		},
		{
			name:       "Valid false expression",
			expression: "age < 18",
			context:    map[string]interface{}{"age": 25},
			wantResult: false,
		},
		{
			name:       "Nested field",
			expression: "record.status == 'ready'",
			context:    map[string]interface{}{"record": map[string]interface{}{"status": "ready"}},
			wantResult: true,
		},
		{
			name:       "Non-boolean result",
			expression: "age + 5",
			context:    map[string]interface{}{"age": 25},
			wantErr:    true,
			errMsg:     "'age + 5'",
		},
		{
			name:       "Invalid expression",
			expression: "age >>> 18",
			context:    map[string]interface{}{"age": 25},
			wantErr:    true,
			errMsg:     "failed to compile expression",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.context)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.False(t, result)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}

	t.Run("Same program serves different environments", func(t *testing.T) {
		ok, err := evaluator.Evaluate("score > 10", map[string]interface{}{"score": 15})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = evaluator.Evaluate("score > 10", map[string]interface{}{"score": 2.5})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Option funcs do not leak into caller context", func(t *testing.T) {
		ev := NewExprEvaluator()
		ev.AddOptionFunc("double", func(ctx map[string]interface{}) interface{} {
			n, _ := ctx["n"].(int)
			return n * 2
		})
		ctx := map[string]interface{}{"n": 4}
		ok, err := ev.Evaluate("double == 8", ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		_, leaked := ctx["double"]
		assert.False(t, leaked)
	})

	t.Run("Eval returns raw values", func(t *testing.T) {
		v, err := evaluator.Eval("price * qty", map[string]interface{}{"price": 2, "qty": 3})
		require.NoError(t, err)
		assert.Equal(t, 6, v)
	})

	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := evaluator.Evaluate("value >= 0", map[string]interface{}{"value": i})
				assert.NoError(t, err)
				assert.True(t, ok)
			}(i)
		}
		wg.Wait()
	})
}
