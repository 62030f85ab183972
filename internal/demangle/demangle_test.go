package demangle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameDemanglesItaniumCxx(t *testing.T) {
	got := Name("_ZN3foo3barEv")
	assert.Equal(t, "foo::bar()", got)
}

func TestNamePassesThroughUnmangled(t *testing.T) {
	assert.Equal(t, "main", Name("main"))
	assert.Equal(t, "HAL_NVIC_EnableIRQ", Name("HAL_NVIC_EnableIRQ"))
}
