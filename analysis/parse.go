// Package analysis turns raw UCI engine output into structured evaluations.
package analysis

import (
	"strconv"
	"strings"

	"github.com/notnil/chess"

	"github.com/jacokyle01/sparring/models"
)

const (
	markerInfo     = "info"
	markerBestMove = "bestmove"
)

// Parse builds an EvaluationResult from every line emitted during one
// evaluation of pos. It is pure: the same input always yields the same result.
func Parse(pos *chess.Position, lines []string) models.EvaluationResult {
	var res models.EvaluationResult
	byRank := make(map[int]models.EvaluationLine)

	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case markerBestMove:
			res.BestMove = ""
			if len(fields) > 1 && fields[1] != "(none)" && fields[1] != "0000" {
				res.BestMove = fields[1]
			}
		case markerInfo:
			rec, ok := DecodeInfo(line)
			if !ok {
				continue
			}
			// A late shallower update never replaces a deeper one.
			if held, ok := byRank[rec.Rank]; ok && rec.Depth < held.Depth {
				continue
			}
			byRank[rec.Rank] = rec
		}
	}

	turn := chess.White
	rights := castlingRights{}
	if pos != nil {
		turn = pos.Turn()
		rights = rightsOf(pos)
	}

	out := make([]models.EvaluationLine, 0, len(byRank))
	for _, rec := range byRank {
		rec.PV = rewriteCastling(rec.PV, rights)
		out = append(out, rec)
	}

	// Rank order first so ties in the comparator keep engine order.
	SortByRank(out)
	SortLines(out)
	if turn == chess.Black {
		for i := range out {
			out[i] = flip(out[i])
		}
	}

	res.Lines = out
	return res
}

// DecodeInfo decodes a single "info" line. It reports false when the line has
// no principal variation, multipv index or depth.
func DecodeInfo(line string) (models.EvaluationLine, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != markerInfo {
		return models.EvaluationLine{}, false
	}

	var (
		rec               models.EvaluationLine
		hasRank, hasDepth bool
	)
	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "depth":
			if v, ok := intAt(fields, i+1); ok {
				rec.Depth, hasDepth = v, true
				i++
			}
		case "multipv":
			if v, ok := intAt(fields, i+1); ok {
				rec.Rank, hasRank = v, true
				i++
			}
		case "score":
			if i+2 >= len(fields) {
				continue
			}
			v, err := strconv.Atoi(fields[i+2])
			if err != nil {
				continue
			}
			switch fields[i+1] {
			case "cp":
				rec.Score, rec.Mate = models.IntPtr(v), nil
			case "mate":
				rec.Mate, rec.Score = models.IntPtr(v), nil
			}
			i += 2
		case "pv":
			rec.PV = append([]string(nil), fields[i+1:]...)
			i = len(fields)
		case "string":
			// free text runs to the end of the line
			i = len(fields)
		}
	}

	if len(rec.PV) == 0 || !hasRank || !hasDepth {
		return models.EvaluationLine{}, false
	}
	return rec, true
}

func intAt(fields []string, i int) (int, bool) {
	if i >= len(fields) {
		return 0, false
	}
	v, err := strconv.Atoi(fields[i])
	if err != nil {
		return 0, false
	}
	return v, true
}

func flip(l models.EvaluationLine) models.EvaluationLine {
	if l.Score != nil {
		l.Score = models.IntPtr(-*l.Score)
	}
	if l.Mate != nil {
		l.Mate = models.IntPtr(-*l.Mate)
	}
	return l
}
