package featureflag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeatureFlag(t *testing.T) {
	f := New([]string{" disable_live_push", "DISABLE_TILE_PRELOAD", ""})

	t.Run("names are normalized", func(t *testing.T) {
		require.Equal(t, []string{"DISABLE_LIVE_PUSH", "DISABLE_TILE_PRELOAD"}, f.Names())
		require.True(t, f.IsSet(FlagDisableLivePush))
		require.False(t, f.IsSet(FlagDisableFeedIngest))
	})

	t.Run("run if set", func(t *testing.T) {
		var preloadDisabled bool
		f.IfSet(FlagDisableTilePreload, func() {
			preloadDisabled = true
		})
		require.True(t, preloadDisabled)

		var feedDisabled bool
		f.IfSet(FlagDisableFeedIngest, func() {
			feedDisabled = true
		})
		require.False(t, feedDisabled)
	})

	t.Run("run if not set", func(t *testing.T) {
		var preload bool
		f.IfNotSet(FlagDisableTilePreload, func() {
			preload = true
		})
		require.False(t, preload)

		var feed bool
		f.IfNotSet(FlagDisableFeedIngest, func() {
			feed = true
		})
		require.True(t, feed)
	})

	t.Run("nil flags have nothing set", func(t *testing.T) {
		require.False(t, New(nil).IsSet(FlagDisableLivePush))
	})
}
