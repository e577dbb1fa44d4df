package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupEmitsRenamedKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := Setup("escrowd", "test", Options{Level: "debug", Output: &buf})
	defer closer.Close()

	logger.Debug("escrow committed", MaskField("escrow_id", "7"), MaskField("dispute_reason", "broken"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "escrow committed", line["message"])
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "escrowd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "7", line["escrow_id"])
	require.Equal(t, RedactedValue, line["dispute_reason"])
	require.Contains(t, line, "timestamp")
}

func TestSetupFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := Setup("escrowd", "", Options{Level: "warn", Output: &buf})
	defer closer.Close()

	logger.Info("dropped")
	require.Zero(t, buf.Len())
	logger.Warn("kept")
	require.NotZero(t, buf.Len())
}

func TestSetupMirrorsToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "escrowd.log")
	logger, closer := Setup("escrowd", "", Options{File: path, Output: &buf})
	logger.Info("hello")
	require.NoError(t, closer.Close())
	require.FileExists(t, path)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestMaskFieldKeepsEmptyValues(t *testing.T) {
	require.Equal(t, " ", MaskField("tracking_info", " ").Value.String())
	require.Equal(t, RedactedValue, MaskField("tracking_info", "UPS 1Z").Value.String())
	require.Equal(t, "9", MaskField("Escrow-ID", "9").Value.String())
	require.True(t, IsAllowlisted(" TX_REF "))
}

func TestSetupRedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := Setup("escrowd", "", Options{Output: &buf})
	defer closer.Close()

	logger.Info("dispute raised",
		slog.String("Dispute-Reason", "item never arrived"),
		slog.String("seller", "0x00000000000000000000000000000000000000c2"),
		slog.String("order_id", "order-1"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, RedactedValue, line["Dispute-Reason"])
	require.Equal(t, "0x0000...00c2", line["seller"])
	require.Equal(t, "order-1", line["order_id"])
}

func TestShortAddress(t *testing.T) {
	require.Equal(t, "0xabcd", ShortAddress("0xabcd"))
	require.Equal(t, "0x1234...cdef", ShortAddress("0x1234567890abcdef"))
}
