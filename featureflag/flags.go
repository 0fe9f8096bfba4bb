package featureflag

type Flag string

const (
	FlagDisableTilePreload Flag = "DISABLE_TILE_PRELOAD"
	FlagDisableLivePush    Flag = "DISABLE_LIVE_PUSH"
	FlagDisableFeedIngest  Flag = "DISABLE_FEED_INGEST"
)
