package tcpline

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/auth"
	"github.com/relaychat/relaychat-server/internal/registry"
	"github.com/relaychat/relaychat-server/internal/session"
	"github.com/relaychat/relaychat-server/internal/store"
)

// Server accepts line-protocol TCP connections and runs one session per
// connection: a blocking read loop on a dedicated goroutine, with outbound
// writes serialized by lineConn.
type Server struct {
	addr    string
	reg     *registry.Registry
	auth    *auth.Service
	history store.HistoryStore
	limit   int
	log     zerolog.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer builds the line-protocol server. Run must be called to listen.
func NewServer(addr string, reg *registry.Registry, authSvc *auth.Service, history store.HistoryStore, historyLimit int, logger *zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		reg:     reg,
		auth:    authSvc,
		history: history,
		limit:   historyLimit,
		log:     logger.With().Str("component", "tcpline").Logger(),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Run listens and serves until ctx is cancelled. Each accepted connection
// gets its own goroutine; cancellation closes the listener and every open
// connection, which unwinds each session through its normal cleanup path.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("line protocol listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Addr returns the bound listener address, for tests using ":0".
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := s.log.With().Str("remote", remote).Logger()

	lc := newLineConn(conn, logger)
	sess := session.New(s.reg, s.auth, s.history, s.limit, lc, &logger)

	defer func() {
		sess.Close(context.WithoutCancel(ctx))
		lc.close()
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		logger.Debug().Msg("connection closed")
	}()

	lc.send("Welcome! Type 'login' or 'register'.")

	scanner := bufio.NewScanner(conn)

	if !s.authPhase(ctx, scanner, lc, sess) {
		return
	}

	for {
		line, ok := readLine(scanner)
		if !ok {
			return
		}
		if strings.EqualFold(line, "quit") {
			return
		}

		if strings.HasPrefix(line, "/") {
			s.handleCommand(ctx, line, lc, sess)
			continue
		}

		if err := sess.Chat(ctx, line); err != nil {
			if errors.Is(err, session.ErrNotInRoom) {
				lc.send("You are not in a room. Use /join <room> to join one")
			}
			continue
		}
		logger.Debug().Str("user", sess.Username()).Msg("chat message")
	}
}

// authPhase loops until the session authenticates or the channel closes.
// Repeated invalid attempts stay in the auth loop, prompting again.
func (s *Server) authPhase(ctx context.Context, scanner *bufio.Scanner, lc *lineConn, sess *session.Session) bool {
	for sess.State() != session.StateActive {
		choice, ok := readLine(scanner)
		if !ok {
			return false
		}

		switch choice {
		case "login":
			lc.send("Enter username:")
			username, ok := readLine(scanner)
			if !ok {
				return false
			}
			lc.send("Enter password:")
			password, ok := readLine(scanner)
			if !ok {
				return false
			}

			switch err := sess.Login(ctx, username, password); {
			case err == nil:
				lc.send("Login successful!")
			case errors.Is(err, registry.ErrAlreadyOnline):
				lc.send("User already online elsewhere. Type 'login' to try again.")
			default:
				lc.send("Invalid credentials. Type 'login' to try again.")
			}

		case "register":
			lc.send("Choose username:")
			username, ok := readLine(scanner)
			if !ok {
				return false
			}
			lc.send("Choose password:")
			password, ok := readLine(scanner)
			if !ok {
				return false
			}

			switch err := sess.Register(ctx, username, password); {
			case err == nil:
				lc.send("Registration successful! Type 'login' to log in.")
			case errors.Is(err, auth.ErrUserExists):
				lc.send("Username already exists. Type 'register' to try again.")
			case errors.Is(err, auth.ErrInvalidUsername):
				lc.send("Username must be 3-32 characters. Type 'register' to try again.")
			case errors.Is(err, auth.ErrInvalidPassword):
				lc.send("Password must be at least 6 characters. Type 'register' to try again.")
			default:
				lc.send("Registration failed. Type 'register' to try again.")
			}

		case "quit":
			return false

		default:
			lc.send("Type 'login' or 'register' to continue.")
		}
	}
	return true
}

func (s *Server) handleCommand(ctx context.Context, line string, lc *lineConn, sess *session.Session) {
	cmd, args, _ := strings.Cut(line, " ")
	args = strings.TrimSpace(args)

	switch strings.ToLower(cmd) {
	case "/join":
		if args == "" {
			lc.send("Usage: /join <room>")
			return
		}
		history, err := sess.Join(ctx, args)
		if err != nil {
			lc.send("Command error: " + err.Error())
			return
		}
		lc.send("Joined room: " + args)
		lc.send("Last messages:")
		if len(history) == 0 {
			lc.send("(No message history)")
			return
		}
		for _, msg := range session.FormatHistory(history) {
			lc.send(msg)
		}

	case "/leave":
		room, err := sess.Leave(ctx)
		if err != nil {
			lc.send("You are not in any room.")
			return
		}
		lc.send("Left room: " + room)

	case "/rooms":
		rooms, err := sess.Rooms()
		if err != nil {
			lc.send("Command error: " + err.Error())
			return
		}
		lc.send("Available rooms: [" + strings.Join(rooms, ", ") + "]")

	case "/who":
		room, users, err := sess.Who()
		if err != nil {
			lc.send("You are not in a room.")
			return
		}
		lc.send("Users in " + room + ": [" + strings.Join(users, ", ") + "]")

	case "/pm":
		target, text, ok := strings.Cut(args, " ")
		if !ok || strings.TrimSpace(text) == "" {
			lc.send("Usage: /pm <user> <message>")
			return
		}
		if err := sess.Direct(target, text); err != nil {
			lc.send("User " + target + " is not online.")
			return
		}
		lc.send("[PM to " + target + "]: " + text)

	default:
		lc.send("Unknown command.")
	}
}

func readLine(scanner *bufio.Scanner) (string, bool) {
	if !scanner.Scan() {
		return "", false
	}
	return strings.TrimRight(scanner.Text(), "\r"), true
}
