/*
 * VC5 load balancer. Copyright (C) 2021-present David Coles
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

package collector

import (
	"encoding/json"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestEventRoundTripsThroughJSONAndZstd(t *testing.T) {
	e := Event{Kind: "update", Peer: "198.51.100.1:179", NLRI: []string{"10.0.0.0/24"}}
	body, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	compressed := zstdEncoder.EncodeAll(body, nil)

	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	decompressed, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		t.Fatal(err)
	}

	var got Event
	if err := json.Unmarshal(decompressed, &got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != e.Kind || got.Peer != e.Peer || len(got.NLRI) != 1 || got.NLRI[0] != "10.0.0.0/24" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
