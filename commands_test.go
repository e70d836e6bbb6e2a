package main

import (
	"testing"

	"github.com/notnil/chess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlyOf(t *testing.T) {
	tests := map[string]int{
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1":      0,
		"rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1":    1,
		"rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w KQkq - 1 3": 4,
	}
	for fen, want := range tests {
		opt, err := chess.FEN(fen)
		require.NoError(t, err)
		assert.Equal(t, want, plyOf(chess.NewGame(opt).Position()), fen)
	}
}

func TestReadPositions(t *testing.T) {
	pgnPath = ""
	positions, err := readPositions([]string{
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
		"7k/5Q2/6K1/8/8/8/8/8 b - - 0 1",
	})
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, chess.Black, positions[1].Turn())

	_, err = readPositions(nil)
	assert.Error(t, err)
	_, err = readPositions([]string{"not a fen"})
	assert.Error(t, err)
}
