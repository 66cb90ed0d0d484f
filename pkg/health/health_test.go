package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTouchCreatesFileAndAgeReportsRecent(t *testing.T) {
	dir := t.TempDir()
	f := New(dir, Producer)

	require.NoError(t, f.Touch())

	age, err := f.Age()
	require.NoError(t, err)
	require.Less(t, age, 2*time.Second)
}

func TestAgeFailsBeforeFirstTouch(t *testing.T) {
	dir := t.TempDir()
	f := New(dir, Consumer)

	_, err := f.Age()
	require.Error(t, err)
}
