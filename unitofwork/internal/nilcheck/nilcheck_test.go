//go:build unit

package nilcheck

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type widget struct{}

func TestInterfaceCatchesTypedNil(t *testing.T) {
	var typedNil *widget

	require.True(t, Interface(nil))
	require.True(t, Interface(typedNil))
	require.True(t, Interface((map[string]int)(nil)))
	require.True(t, Interface(([]string)(nil)))
	require.True(t, Interface((func())(nil)))

	require.False(t, Interface(&widget{}))
	require.False(t, Interface("a string"))
	require.False(t, Interface(0))
}
