// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sasl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/help-lixin/corda/amqp/types"
)

func TestMechanismsRoundTrip(t *testing.T) {
	m := &Mechanisms{Mechanisms: []types.Symbol{MechPLAIN, MechANONYMOUS}}
	body, err := m.Encode()
	require.NoError(t, err)

	desc, val, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, DescriptorMechanisms, desc)
	assert.Equal(t, []types.Symbol{MechPLAIN, MechANONYMOUS}, val.(*Mechanisms).Mechanisms)
}

func TestMechanismsSingle(t *testing.T) {
	m := &Mechanisms{Mechanisms: []types.Symbol{MechANONYMOUS}}
	body, err := m.Encode()
	require.NoError(t, err)

	_, val, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, []types.Symbol{MechANONYMOUS}, val.(*Mechanisms).Mechanisms)
}

func TestInitRoundTrip(t *testing.T) {
	init := &Init{
		Mechanism:       MechPLAIN,
		InitialResponse: BuildPLAIN("nodeuser", "secret"),
		Hostname:        "peer.example.com",
	}
	body, err := init.Encode()
	require.NoError(t, err)

	desc, val, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, DescriptorInit, desc)
	got := val.(*Init)
	assert.Equal(t, MechPLAIN, got.Mechanism)
	assert.Equal(t, "peer.example.com", got.Hostname)

	_, user, pass, err := ParsePLAIN(got.InitialResponse)
	require.NoError(t, err)
	assert.Equal(t, "nodeuser", user)
	assert.Equal(t, "secret", pass)
}

func TestOutcomeRoundTrip(t *testing.T) {
	for _, code := range []uint8{CodeOK, CodeAuth, CodeSys} {
		o := &Outcome{Code: code}
		body, err := o.Encode()
		require.NoError(t, err)

		desc, val, err := Decode(body)
		require.NoError(t, err)
		assert.Equal(t, DescriptorOutcome, desc)
		assert.Equal(t, code, val.(*Outcome).Code)
	}
}

func TestParsePLAINRejectsMalformed(t *testing.T) {
	_, _, _, err := ParsePLAIN(nil)
	require.Error(t, err)

	_, _, _, err = ParsePLAIN([]byte("no-null-separators"))
	require.Error(t, err)
}
