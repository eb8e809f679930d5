package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/lingsond/CrazyAra/engine/board"
	"github.com/lingsond/CrazyAra/engine/inference"
	"github.com/lingsond/CrazyAra/engine/mcts"
	"github.com/lingsond/CrazyAra/games/tictactoe"
	"github.com/lingsond/CrazyAra/logging"
	"github.com/lingsond/CrazyAra/rl/exporter"
	"github.com/lingsond/CrazyAra/selfplay"
	"github.com/lingsond/CrazyAra/store"
)

var totalGames atomic.Int64
var totalPlys atomic.Int64

type GameUpdate struct {
	Result selfplay.GameResult
}

type model struct {
	gamesPlayed int
	plys        int64
	startTime   time.Time
	recentGames []string
	updates     chan GameUpdate
}

func initialModel(updates chan GameUpdate) model {
	return model{
		startTime: time.Now(),
		updates:   updates,
	}
}

type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*100, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(m.updates), tickCmd())
}

func waitForUpdate(updates chan GameUpdate) tea.Cmd {
	return func() tea.Msg {
		return <-updates
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case TickMsg:
		m.plys = totalPlys.Load()
		return m, tickCmd()
	case GameUpdate:
		m.gamesPlayed++
		logMsg := fmt.Sprintf("%s: plys %d, result %+d", msg.Result.GameID, msg.Result.Plys, msg.Result.Result)
		m.recentGames = append([]string{logMsg}, m.recentGames...)
		if len(m.recentGames) > 10 {
			m.recentGames = m.recentGames[:10]
		}
		return m, waitForUpdate(m.updates)
	}
	return m, nil
}

func (m model) View() string {
	duration := time.Since(m.startTime)
	gamesPerSec := float64(m.gamesPlayed) / duration.Seconds()
	plysPerSec := float64(m.plys) / duration.Seconds()
	if duration.Seconds() < 1 {
		gamesPerSec = 0
		plysPerSec = 0
	}

	s := fmt.Sprintf("Games Played: %d\n", m.gamesPlayed)
	s += fmt.Sprintf("Total Plys:   %d\n", m.plys)
	s += fmt.Sprintf("Duration:     %s\n", duration.Round(time.Second))
	s += fmt.Sprintf("Games/Sec:    %.2f\n", gamesPerSec)
	s += fmt.Sprintf("Plys/Sec:     %.2f\n\n", plysPerSec)

	s += "Recent Games:\n"
	for _, g := range m.recentGames {
		s += g + "\n"
	}

	s += "\nPress q to quit.\n"
	return s
}

func main() {
	modelPath := flag.String("model", "", "Path to the ONNX network (empty runs a uniform evaluator)")
	games := flag.Int("games", 100, "Number of self-play games to play")
	threads := flag.Int("threads", 2, "Number of search worker threads (one ONNX session each)")
	batchSize := flag.Int("batch-size", 16, "Mini-batch size per search thread")
	sims := flag.Int("sims", 800, "Node budget per move")
	moveTime := flag.Duration("move-time", 0, "Optional wall-clock cap per move (0 = node budget only)")
	tempMoves := flag.Int("temperature-moves", 4, "Sample the move from the MCTS policy for the first N plies")
	outPath := flag.String("out", "data/train_data.zip", "Chunk store path for training samples")
	archiveDir := flag.String("archive-dir", "data/archive", "Directory for per-game parquet archives (empty disables)")
	dbPath := flag.String("db", "data/games.db", "SQLite game index path (empty disables)")
	chunks := flag.Int("chunks", 64, "Number of chunks in the export store")
	chunkSize := flag.Int("chunk-size", 128, "Samples per chunk")
	useTUI := flag.Bool("tui", false, "Render a live stats TUI instead of plain logs")
	logPath := flag.String("log", "", "Log file (defaults to stderr; required with -tui)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logOut := os.Stderr
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			log.Fatalf("error opening log file: %v", err)
		}
		defer f.Close()
		logOut = f
	} else if *useTUI {
		log.Fatal("-tui needs -log, otherwise log lines corrupt the screen")
	}
	logger := slog.New(logging.NewJSONLineHandler(logOut, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dims := tictactoe.Dims
	mapper := tictactoe.Mapper{}

	var evals []inference.Evaluator
	if *modelPath == "" {
		log.Printf("No model given, running with a uniform evaluator")
		for i := 0; i < *threads; i++ {
			evals = append(evals, inference.NewUniformEvaluator(dims, mapper.Len()))
		}
	} else {
		if _, err := os.Stat(*modelPath); err != nil {
			log.Fatalf("Model file not found: %s", *modelPath)
		}
		var err error
		evals, err = inference.NewOnnxEvaluatorPool(*modelPath, *threads, inference.OnnxConfig{
			Dims:               dims,
			PolicyOutputLength: mapper.Len(),
		})
		if err != nil {
			log.Fatalf("Failed to create ONNX evaluators: %v", err)
		}
		defer inference.CloseEvaluators(evals)
	}

	settings := mcts.DefaultSearchSettings()
	settings.Threads = *threads
	settings.BatchSize = *batchSize
	search := mcts.NewSearch(settings, dims, mapper, evals)

	exp, err := exporter.New(*outPath, *chunks, *chunkSize, dims, mapper, logger)
	if err != nil {
		log.Fatalf("Failed to open export store: %v", err)
	}

	var db *store.GameDB
	if *dbPath != "" {
		db, err = store.NewGameDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open game database: %v", err)
		}
		defer db.Close()
	}

	ctrl := selfplay.NewController(selfplay.Config{
		Nodes:            *sims,
		MoveTime:         *moveTime,
		TemperatureMoves: *tempMoves,
		ArchiveDir:       *archiveDir,
		ModelPath:        *modelPath,
	}, search, exp, db, func() board.Position { return tictactoe.NewPosition() }, 0, logger)

	updates := make(chan GameUpdate, 16)
	onGame := func(res selfplay.GameResult) {
		totalGames.Add(1)
		totalPlys.Add(int64(res.Plys))
		select {
		case updates <- GameUpdate{Result: res}:
		default:
		}
	}

	runDone := make(chan error, 1)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		runDone <- ctrl.RunGames(runCtx, *games, onGame)
	}()

	if *useTUI {
		p := tea.NewProgram(initialModel(updates), tea.WithAltScreen())
		go func() {
			<-runDone
			p.Quit()
		}()
		if _, err := p.Run(); err != nil {
			log.Fatal(err)
		}
		cancelRun()
	} else {
		startTime := time.Now()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

	loop:
		for {
			select {
			case err := <-runDone:
				if err != nil {
					log.Fatalf("Self-play failed: %v", err)
				}
				break loop
			case update := <-updates:
				log.Printf("%s: plys %d, result %+d", update.Result.GameID, update.Result.Plys, update.Result.Result)
			case <-ticker.C:
				duration := time.Since(startTime)
				games := totalGames.Load()
				plys := totalPlys.Load()
				log.Printf("Stats: Games %d (%.2f/s), Plys %d (%.2f/s), Samples %d/%d",
					games, float64(games)/duration.Seconds(),
					plys, float64(plys)/duration.Seconds(),
					exp.StartIdx(), exp.NumberSamples())
			}
		}
	}

	log.Printf("Done: games=%d samples=%d", exp.GameIdx(), exp.StartIdx())
}
