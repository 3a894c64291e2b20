// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/zot"
)

func TestResult(t *testing.T) {
	require := require.New(t)

	b, err := json.Marshal(&Result{})
	require.NoError(err)
	require.Equal(`{"success":0}`, string(b))
	b, err = json.Marshal(&Result{Success: true, Message: "ok"})
	require.NoError(err)
	require.Equal(`{"success":1,"message":"ok"}`, string(b))

	for in, want := range map[string]bool{
		`{"success":1}`:      true,
		`{"success":true}`:   true,
		`{"success":"1"}`:    true,
		`{"success":0}`:      false,
		`{"success":false}`:  false,
		`{"message":"nope"}`: false,
	} {
		r, err := ParseResult([]byte(in))
		require.NoError(err, in)
		require.Equal(want, bool(r.Success), in)
	}

	_, err = ParseResult([]byte(`{"success":2}`))
	require.ErrorIs(err, zot.ErrMalformed)
}
