package analysis

import "github.com/notnil/chess"

// castlingRights tracks which rights may still be translated within one PV.
type castlingRights struct {
	whiteKing, whiteQueen, blackKing, blackQueen bool
}

func rightsOf(pos *chess.Position) castlingRights {
	cr := pos.CastleRights()
	return castlingRights{
		whiteKing:  cr.CanCastle(chess.White, chess.KingSide),
		whiteQueen: cr.CanCastle(chess.White, chess.QueenSide),
		blackKing:  cr.CanCastle(chess.Black, chess.KingSide),
		blackQueen: cr.CanCastle(chess.Black, chess.QueenSide),
	}
}

// rewriteCastling converts king-takes-rook castling tokens (e1h1) into
// king-destination notation (e1g1). Each right is translated at most once.
func rewriteCastling(pv []string, rights castlingRights) []string {
	if len(pv) == 0 {
		return pv
	}
	out := make([]string, len(pv))
	for i, mv := range pv {
		out[i] = mv
		switch mv {
		case "e1h1":
			if rights.whiteKing {
				out[i], rights.whiteKing = "e1g1", false
			}
		case "e1a1":
			if rights.whiteQueen {
				out[i], rights.whiteQueen = "e1c1", false
			}
		case "e8h8":
			if rights.blackKing {
				out[i], rights.blackKing = "e8g8", false
			}
		case "e8a8":
			if rights.blackQueen {
				out[i], rights.blackQueen = "e8c8", false
			}
		}
	}
	return out
}
