package engine

import (
	"github.com/lazypower/mnemos/internal/federation"
	"github.com/lazypower/mnemos/internal/scoring"
	"github.com/lazypower/mnemos/internal/store"
)

// Channel binds a mode to the artifact kind it searches and the layer its
// results land in. The evidence channel has no mode and is not blended.
type Channel struct {
	Mode  Mode
	Kind  store.EntityKind
	Layer string
}

// Channels is the fixed channel table a recall fans out over.
var Channels = []Channel{
	{Mode: ModePrecision, Kind: store.EntityCodestone, Layer: federation.LayerPrecision},
	{Mode: ModeIntuition, Kind: store.EntityCodecell, Layer: federation.LayerIntuition},
	{Mode: ModeMyth, Kind: store.EntityLineage, Layer: federation.LayerMyth},
	{Kind: store.EntityShard, Layer: federation.LayerEvidence},
}

// Blended reports whether the channel's results compete in the blended list.
func (c Channel) Blended() bool { return c.Mode != "" }

// Item is one ranked, explainable recall result.
type Item struct {
	ID        string            `json:"id"`
	Kind      store.EntityKind  `json:"kind"`
	Text      string            `json:"text"`
	Score     float64           `json:"score"`
	Scores    scoring.Breakdown `json:"scores"`
	Mode      Mode              `json:"mode,omitempty"`
	Tentative bool              `json:"tentative,omitempty"`
	Origin    string            `json:"origin,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

func (it Item) federated(layer string) federation.Item {
	return federation.Item{
		ID:        it.ID,
		Kind:      string(it.Kind),
		Text:      it.Text,
		Score:     it.Score,
		Origin:    it.Origin,
		Layer:     layer,
		Tentative: it.Tentative,
		Metadata:  it.Metadata,
	}
}
