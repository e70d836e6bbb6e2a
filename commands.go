package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/notnil/chess"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jacokyle01/sparring/models"
	"github.com/jacokyle01/sparring/personality"
	"github.com/jacokyle01/sparring/primaryserver"
	"github.com/jacokyle01/sparring/worker"
)

var (
	addr        string
	serverURL   string
	depth       int
	breadth     int
	workers     int
	pgnPath     string
	fen         string
	personaName string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the analysis job queue",
	RunE:  runServer,
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Work jobs from a server on a local engine pool",
	RunE:  runClient,
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [fen...]",
	Short: "Evaluate positions on a local engine pool",
	Long: `Evaluates each FEN argument, or every position of the game in --pgn.
A single position is searched directly; several are evaluated as a batch
across --workers engine processes.`,
	RunE: runEvaluate,
}

var moveCmd = &cobra.Command{
	Use:   "move",
	Short: "Pick a move as a personality would",
	RunE:  runMove,
}

func init() {
	serverCmd.Flags().StringVar(&addr, "addr", "", "listen address (default from SPARRING_ADDR)")
	serverCmd.Flags().BoolP("local-engine", "l", false, "answer /move with a local engine pool")

	clientCmd.Flags().StringVar(&serverURL, "server", "", "server URL (default from SPARRING_SERVER_URL)")

	evaluateCmd.Flags().IntVarP(&depth, "depth", "d", 15, "search depth")
	evaluateCmd.Flags().IntVarP(&breadth, "breadth", "b", worker.MinBreadth, "lines per position")
	evaluateCmd.Flags().IntVarP(&workers, "workers", "w", 0, "engine processes for batches (default from SPARRING_WORKERS)")
	evaluateCmd.Flags().StringVar(&pgnPath, "pgn", "", "evaluate every position of this PGN file")

	moveCmd.Flags().StringVar(&fen, "fen", "", "position to move in (default the starting position)")
	moveCmd.Flags().StringVarP(&personaName, "personality", "p", "clubber", "personality name")
	moveCmd.Flags().Bool("no-engine", false, "use the static heuristic only")
}

func startPool(ctx context.Context) (*worker.Pool, error) {
	pool := worker.NewPool(
		worker.ExecSpawner{Path: cfg.EnginePath, Logger: logger},
		worker.WithLogger(logger),
		worker.WithSettleDelay(cfg.SettleDelay),
	)
	if err := pool.Start(ctx); err != nil {
		pool.Shutdown()
		return nil, fmt.Errorf("start engine %s: %w", cfg.EnginePath, err)
	}
	return pool, nil
}

func loadProfiles() ([]models.PersonalityConfig, error) {
	if cfg.ProfilesPath == "" {
		return personality.DefaultProfiles(), nil
	}
	return personality.LoadProfiles(cfg.ProfilesPath)
}

func newCommentator(ctx context.Context) *personality.Commentator {
	if cfg.GeminiAPIKey == "" {
		return personality.NewCommentator(nil, logger)
	}
	src, err := personality.NewGenAIFlavor(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		logger.Warn("flavor text falls back to canned lines", zap.Error(err))
		return personality.NewCommentator(nil, logger)
	}
	return personality.NewCommentator(src, logger)
}

func runServer(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if addr == "" {
		addr = cfg.Addr
	}

	store, err := primaryserver.OpenStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	profiles, err := loadProfiles()
	if err != nil {
		return err
	}
	opts := []primaryserver.Option{
		primaryserver.WithLogger(logger),
		primaryserver.WithQueueSize(cfg.QueueSize),
		primaryserver.WithProfiles(profiles),
		primaryserver.WithCommentator(newCommentator(ctx)),
	}

	if local, _ := cmd.Flags().GetBool("local-engine"); local {
		pool, err := startPool(ctx)
		if err != nil {
			logger.Warn("serving moves without an engine", zap.Error(err))
		} else {
			defer pool.Shutdown()
			opts = append(opts, primaryserver.WithEngine(pool))
		}
	}

	srv := primaryserver.NewServer(store, opts...)
	return srv.StartServer(ctx, addr)
}

func runClient(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if serverURL == "" {
		serverURL = cfg.ServerURL
	}

	pool, err := startPool(ctx)
	if err != nil {
		return err
	}
	client := worker.NewClient(serverURL, pool, logger)
	defer client.Close()

	if err := client.WorkLoop(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func readPositions(args []string) ([]*chess.Position, error) {
	if pgnPath != "" {
		f, err := os.Open(pgnPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		pgn, err := chess.PGN(f)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", pgnPath, err)
		}
		return chess.NewGame(pgn).Positions(), nil
	}

	if len(args) == 0 {
		return nil, errors.New("give at least one FEN or --pgn")
	}
	positions := make([]*chess.Position, 0, len(args))
	for _, a := range args {
		opt, err := chess.FEN(a)
		if err != nil {
			return nil, fmt.Errorf("invalid fen %q: %w", a, err)
		}
		positions = append(positions, chess.NewGame(opt).Position())
	}
	return positions, nil
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	positions, err := readPositions(args)
	if err != nil {
		return err
	}
	if workers == 0 {
		workers = cfg.Workers
	}

	pool, err := startPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Shutdown()

	var results []models.EvaluationResult
	if len(positions) == 1 {
		if err := pool.SetBreadth(ctx, breadth); err != nil {
			return err
		}
		res, err := pool.EvaluatePosition(ctx, positions[0], depth)
		if err != nil {
			return err
		}
		results = append(results, res)
	} else {
		progress := func(pct float64) {
			fmt.Fprintf(cmd.ErrOrStderr(), "\r%5.1f%%", pct)
		}
		results, err = pool.EvaluateBatch(ctx, positions, depth, breadth, workers, progress)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// plyOf counts the half-moves played before pos from its FEN move number.
func plyOf(pos *chess.Position) int {
	fields := strings.Fields(pos.String())
	if len(fields) < 6 {
		return 0
	}
	n, err := strconv.Atoi(fields[5])
	if err != nil || n < 1 {
		return 0
	}
	ply := 2 * (n - 1)
	if pos.Turn() == chess.Black {
		ply++
	}
	return ply
}

func runMove(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	profiles, err := loadProfiles()
	if err != nil {
		return err
	}
	persona, ok := personality.Lookup(profiles, personaName)
	if !ok {
		return fmt.Errorf("unknown personality %q", personaName)
	}

	game := chess.NewGame()
	if fen != "" {
		opt, err := chess.FEN(fen)
		if err != nil {
			return fmt.Errorf("invalid fen: %w", err)
		}
		game = chess.NewGame(opt)
	}
	pos := game.Position()

	var ev personality.Evaluator
	if noEngine, _ := cmd.Flags().GetBool("no-engine"); !noEngine {
		pool, err := startPool(ctx)
		if err != nil {
			logger.Warn("choosing without an engine", zap.Error(err))
		} else {
			defer pool.Shutdown()
			ev = pool
		}
	}

	m := personality.NewSelector(personality.WithLogger(logger)).ChooseMove(ctx, pos, persona, ev)
	if m == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "no legal moves (%s)\n", pos.Status())
		return nil
	}

	ply := plyOf(pos) + 1
	san := chess.AlgebraicNotation{}.Encode(pos, m)
	phase := personality.PhaseOf(pos.Update(m), ply, pos.Turn())
	remark := newCommentator(ctx).Comment(ctx, persona, phase, []personality.AnnotatedMove{{Ply: ply, Color: pos.Turn(), SAN: san}})
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) %s\n", chess.UCINotation{}.Encode(pos, m), san, remark)
	return nil
}
