package util_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fcichos/lab-control/util"
)

func ExampleClamp() {
	fmt.Println(util.Clamp(120, 0, 100), util.Clamp(-3, 0, 100), util.Clamp(42, 0, 100))
	// Output: 100 0 42
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	assert.Equal(t, high, util.Clamp(input, low, high))
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	assert.Equal(t, low, util.Clamp(input, low, high))
}

func TestClampInsideIsIdentity(t *testing.T) {
	assert.Equal(t, 3.25, util.Clamp(3.25, 0, 10))
}

func TestSecsToDuration(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, util.SecsToDuration(1.5))
	assert.Equal(t, 250*time.Millisecond, util.SecsToDuration(0.25))
}

func TestAllElementsNumbers(t *testing.T) {
	cases := map[string]bool{
		"25":   true,
		"2.5":  true,
		"25ms": false,
		"":     false,
		"1e3":  false,
	}
	for in, expected := range cases {
		assert.Equal(t, expected, util.AllElementsNumbers(in), "input %q", in)
	}
}
