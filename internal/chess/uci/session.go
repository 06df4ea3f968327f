package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReadyTimeout  = 4 * time.Second
	newGameRetryAttempts = 3
	newGameRetryDelay    = 150 * time.Millisecond
	mateValue            = 30000
)

var (
	ErrClosed       = errors.New("uci session closed")
	ErrBroken       = errors.New("uci session broken")
	ErrNoLimits     = errors.New("no search limits specified")
	ErrInvalidElo   = errors.New("elo must be > 0")
	ErrInvalidHash  = errors.New("hash size must be > 0")
	ErrEmptyBinPath = errors.New("engine binary path is empty")
)

type Options struct {
	Threads int
	HashMB  int
}

type Limits struct {
	Depth          int
	MoveTimeMillis int
	NodeCap        int
}

// Candidate is one principal line reported by the engine. EvalCP is from
// the side to move; mate scores are folded into +/-30000 and Mate keeps the
// signed distance.
type Candidate struct {
	Move      string
	EvalCP    int
	Mate      int
	HasScore  bool
	Principal []string
}

type SearchRequest struct {
	FEN         string
	Moves       []string
	Limits      Limits
	GoOverrides []string
}

type SearchResponse struct {
	Candidates []Candidate
	BestMove   string
}

// Best returns the first multipv line, if any.
func (r SearchResponse) Best() (Candidate, bool) {
	if len(r.Candidates) == 0 {
		return Candidate{}, false
	}
	return r.Candidates[0], true
}

// Session is one long-lived engine process speaking UCI over stdio.
type Session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string
	logger *zap.Logger

	mu     sync.Mutex
	search sync.Mutex

	readErrMu sync.Mutex
	readErr   error

	broken    bool
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func NewSession(ctx context.Context, binaryPath string, opt Options, logger *zap.Logger) (*Session, error) {
	if strings.TrimSpace(binaryPath) == "" {
		return nil, ErrEmptyBinPath
	}
	if err := validateOptions(opt); err != nil {
		return nil, err
	}

	// The process must outlive ctx; it is bound to the game, not the request.
	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s := attach(cmd, stdin, stdoutPipe, logger)
	if err := s.initialize(ctx, opt); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func attach(cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan string, 64),
		logger: logger,
		closed: make(chan struct{}),
	}
	go s.pump(bufio.NewReader(stdout))
	return s
}

// pump is the only reader of stdout, so a timed-out caller never leaves a
// stray reader behind that would swallow the next line.
func (s *Session) pump(r *bufio.Reader) {
	defer close(s.lines)
	for {
		line, err := r.ReadString('\n')
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			select {
			case s.lines <- trimmed:
			case <-s.closed:
				return
			}
		}
		if err != nil {
			s.readErrMu.Lock()
			s.readErr = err
			s.readErrMu.Unlock()
			return
		}
	}
}

func (s *Session) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	s.search.Lock()
	defer s.search.Unlock()

	if err := s.usable(); err != nil {
		return SearchResponse{}, err
	}

	positionCmd := buildPositionCommand(req.FEN, req.Moves)
	if err := s.send(positionCmd); err != nil {
		return SearchResponse{}, fmt.Errorf("send position: %w", err)
	}

	goTokens := req.GoOverrides
	var err error
	if len(goTokens) == 0 {
		goTokens, err = buildGoTokens(req.Limits)
		if err != nil {
			return SearchResponse{}, err
		}
	}

	goCmd := strings.Join(goTokens, " ")
	if err := s.send(goCmd + "\n"); err != nil {
		return SearchResponse{}, fmt.Errorf("send go: %w", err)
	}

	deadline := computeSearchTimeout(req.Limits)
	searchCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	candidates := make(map[int]Candidate)
	for {
		line, err := s.readLine(searchCtx)
		if err != nil {
			s.markBroken()
			s.logger.Warn("uci_search_read_failed",
				zap.Error(err),
				zap.String("position", strings.TrimSpace(positionCmd)),
				zap.String("go", goCmd),
				zap.Int("moves", len(req.Moves)),
			)
			return SearchResponse{}, fmt.Errorf("read line: %w", err)
		}

		switch {
		case strings.HasPrefix(line, "info "):
			if mv, cand, ok := parseInfo(line); ok {
				candidates[mv] = cand
			}
		case strings.HasPrefix(line, "bestmove"):
			var best string
			parts := strings.Fields(line)
			if len(parts) >= 2 && parts[1] != "(none)" {
				best = parts[1]
			}
			return SearchResponse{Candidates: collapseCandidates(candidates), BestMove: best}, nil
		}
	}
}

// SetStrength caps playing strength at elo via UCI_LimitStrength.
func (s *Session) SetStrength(ctx context.Context, elo int) error {
	if elo <= 0 {
		return ErrInvalidElo
	}
	s.search.Lock()
	defer s.search.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	cmds := []string{
		"setoption name UCI_LimitStrength value true\n",
		fmt.Sprintf("setoption name UCI_Elo value %d\n", elo),
	}
	for _, cmd := range cmds {
		if err := s.send(cmd); err != nil {
			return fmt.Errorf("set strength: %w", err)
		}
	}
	return s.ensureReady(ctx)
}

func buildPositionCommand(fen string, moves []string) string {
	var sb strings.Builder
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(fen)
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	sb.WriteString("\n")
	return sb.String()
}

func validateOptions(opt Options) error {
	if opt.HashMB <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidHash, opt.HashMB)
	}
	if opt.Threads < 0 {
		return fmt.Errorf("threads must be >= 0: %d", opt.Threads)
	}
	return nil
}

func buildGoTokens(l Limits) ([]string, error) {
	args := []string{"go"}
	if l.Depth > 0 {
		args = append(args, "depth", strconv.Itoa(l.Depth))
	}
	if l.MoveTimeMillis > 0 {
		args = append(args, "movetime", strconv.Itoa(l.MoveTimeMillis))
	}
	if l.NodeCap > 0 {
		args = append(args, "nodes", strconv.Itoa(l.NodeCap))
	}
	if len(args) == 1 {
		return nil, ErrNoLimits
	}
	return args, nil
}

func computeSearchTimeout(l Limits) time.Duration {
	if l.MoveTimeMillis > 0 {
		ms := l.MoveTimeMillis + 2000
		return time.Duration(ms) * time.Millisecond * 3
	}
	if l.Depth > 0 {
		base := time.Duration(l.Depth) * 300 * time.Millisecond
		if base < 6*time.Second {
			base = 6 * time.Second
		}
		if base > 20*time.Second {
			base = 20 * time.Second
		}
		return base
	}
	return 6 * time.Second
}

func parseInfo(line string) (int, Candidate, bool) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return 0, Candidate{}, false
	}
	var (
		multipv = 1
		cand    Candidate
		pvIdx   = -1
	)

	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "multipv":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					multipv = v
				}
				i++
			}
		case "score":
			if i+2 < len(parts) {
				kind := parts[i+1]
				val := parts[i+2]
				switch kind {
				case "cp":
					if v, err := strconv.Atoi(val); err == nil {
						cand.EvalCP = v
						cand.HasScore = true
					}
				case "mate":
					if v, err := strconv.Atoi(val); err == nil {
						cand.Mate = v
						if v > 0 {
							cand.EvalCP = mateValue
						} else {
							cand.EvalCP = -mateValue
						}
						cand.HasScore = true
					}
				}
				i += 2
			}
		case "pv":
			pvIdx = i + 1
			i = len(parts)
		}
	}

	if pvIdx == -1 || pvIdx >= len(parts) {
		return 0, Candidate{}, false
	}
	principal := parts[pvIdx:]
	cand.Move = principal[0]
	cand.Principal = append([]string(nil), principal...)
	return multipv, cand, true
}

func collapseCandidates(m map[int]Candidate) []Candidate {
	if len(m) == 0 {
		return nil
	}
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	result := make([]Candidate, 0, len(keys))
	for _, k := range keys {
		result = append(result, m[k])
	}
	return result
}

func (s *Session) EnsureReady(ctx context.Context) error {
	s.search.Lock()
	defer s.search.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	return s.ensureReady(ctx)
}

func (s *Session) ensureReady(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitToken(readyCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

func (s *Session) NewGame(ctx context.Context) error {
	s.search.Lock()
	defer s.search.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.send("ucinewgame\n"); err != nil {
		return fmt.Errorf("send ucinewgame: %w", err)
	}

	for attempt := 1; attempt <= newGameRetryAttempts; attempt++ {
		err := s.ensureReady(ctx)
		if err == nil {
			return nil
		}
		if attempt == newGameRetryAttempts {
			s.markBroken()
			return err
		}
		s.logger.Debug("uci_ready_retry",
			zap.Int("attempt", attempt),
			zap.Int("max", newGameRetryAttempts),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(newGameRetryDelay):
		}
	}
	return nil
}

// Close terminates the process. Safe to call more than once; later calls
// return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		close(s.closed)

		if s.stdin != nil {
			_, _ = io.WriteString(s.stdin, "quit\n")
			s.stdin.Close()
		}
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		if s.cmd != nil {
			s.closeErr = s.cmd.Wait()
		}
	})
	return s.closeErr
}

func (s *Session) initialize(ctx context.Context, opt Options) error {
	initCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	if err := s.awaitToken(initCtx, "uciok"); err != nil {
		return fmt.Errorf("wait uciok: %w", err)
	}

	if err := s.applyOptions(opt); err != nil {
		return err
	}

	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitToken(initCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

func (s *Session) applyOptions(opt Options) error {
	threadCount := opt.Threads
	if threadCount <= 0 {
		threadCount = 1
	}
	cmds := []string{
		fmt.Sprintf("setoption name Threads value %d\n", threadCount),
		fmt.Sprintf("setoption name Hash value %d\n", opt.HashMB),
		"setoption name MultiPV value 1\n",
	}
	for _, cmd := range cmds {
		if err := s.send(cmd); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}
	return nil
}

func (s *Session) usable() error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return ErrBroken
	}
	return nil
}

func (s *Session) markBroken() {
	s.mu.Lock()
	s.broken = true
	s.mu.Unlock()
}

func (s *Session) send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.stdin, msg)
	return err
}

func (s *Session) awaitToken(ctx context.Context, token string) error {
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(line, token) {
			return nil
		}
	}
}

func (s *Session) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-s.lines:
		if !ok {
			s.readErrMu.Lock()
			err := s.readErr
			s.readErrMu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return "", err
		}
		return line, nil
	}
}
