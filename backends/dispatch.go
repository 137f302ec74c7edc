// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// DispatchConfig is how a compiled operator splits its work: the global work size, the size of the
// local work groups, the number of parallel workers and any variant specific tile sizes.
type DispatchConfig struct {
	Global, Local []int
	Parallelism   int
	Tiles         map[string]int
}

// Equal returns whether both configurations are the same.
func (d DispatchConfig) Equal(d2 DispatchConfig) bool {
	return slices.Equal(d.Global, d2.Global) && slices.Equal(d.Local, d2.Local) &&
		d.Parallelism == d2.Parallelism && maps.Equal(d.Tiles, d2.Tiles)
}

// String returns a short summary, e.g. "global=[8 512] local=[1 512] workers=4 tiles={k=64}".
func (d DispatchConfig) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "global=%v local=%v workers=%d", d.Global, d.Local, d.Parallelism)
	if len(d.Tiles) > 0 {
		names := slices.Sorted(maps.Keys(d.Tiles))
		parts := make([]string, len(names))
		for ii, name := range names {
			parts[ii] = fmt.Sprintf("%s=%d", name, d.Tiles[name])
		}
		fmt.Fprintf(&sb, " tiles={%s}", strings.Join(parts, ","))
	}
	return sb.String()
}
