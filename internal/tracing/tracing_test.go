// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/pmaxcap/internal/storagedef"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_HTTPExporter(t *testing.T) {
	// exporters connect lazily, so no collector is needed
	shutdown, err := Setup(context.Background(), Config{
		OTLP:        storagedef.OTLPConfig{Enabled: true, Protocol: "http", Endpoint: "127.0.0.1:4318"},
		SampleRatio: 0.5,
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
