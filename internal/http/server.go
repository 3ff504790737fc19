package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"raftvfs/pkg/consensus"
	"raftvfs/pkg/group"
	"raftvfs/pkg/transport"
	"raftvfs/pkg/types"
	"raftvfs/pkg/vfs"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	maxBodyBytes           = 64 << 20
)

type iHost interface {
	Groups() []types.GroupID
	Step(ctx context.Context, id types.GroupID, msg raftpb.Message) error
	ProposeCommand(ctx context.Context, id types.GroupID, cmd vfs.Command) (group.Result, error)
	ReadFile(ctx context.Context, id types.GroupID, file types.FileID, c types.Consistency) (vfs.FileRecord, error)
	ReadPath(ctx context.Context, id types.GroupID, p string, c types.Consistency) (vfs.FileRecord, error)
	List(ctx context.Context, id types.GroupID, dir string, c types.Consistency) ([]vfs.FileRecord, error)
	Find(ctx context.Context, id types.GroupID, pattern string, c types.Consistency) ([]vfs.FileRecord, error)
	Status(id types.GroupID) (group.Status, error)
	CurrentMembership(id types.GroupID) ([]types.Peer, error)
	ChangeMembership(ctx context.Context, id types.GroupID, ch types.MembershipChange) (uint64, error)
}

type iMetrics interface {
	WriteText(w io.Writer) error
}

type Option func(*Server)

func WithMetrics(m iMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithReadHeaderTimeout(d time.Duration) Option {
	return func(s *Server) { s.readHeaderTimeout = d }
}

// Server serves the client API and the consensus ingress of every group on the node.
type Server struct {
	host              iHost
	metrics           iMetrics
	logger            *slog.Logger
	httpServer        *http.Server
	readHeaderTimeout time.Duration
	URL               string
	addr              string
}

// NewServer creates a new server instance
func NewServer(host iHost, port string, opts ...Option) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	s := &Server{
		host:              host,
		logger:            slog.Default(),
		readHeaderTimeout: time.Second,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Handler returns the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.createRouter()
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Post(transport.RaftPath+"{group}", s.handleRaft)

	r.Route("/api/groups", func(r chi.Router) {
		r.Get("/", s.handleGroups)
		r.Route("/{group}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/members", s.handleMembers)
			r.Post("/members", s.handleChangeMembers)
			r.Post("/commands", s.handleCommand)
			r.Get("/files", s.handleFiles)
			r.Get("/files/{id}", s.handleFile)
		})
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

// writeError maps err to a status code. A NotLeader error becomes 421 with the leader
// hint, so clients can retry against the leader.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := NewErrorResponse(err.Error())
	resp.Code = vfs.Code(err)
	if errors.Is(err, group.ErrGroupNotFound) {
		resp.Code = "group_not_found"
	}

	var nle *consensus.NotLeaderError
	if errors.As(err, &nle) {
		resp.Code = "not_leader"
		resp.LeaderID = nle.LeaderID
		resp.LeaderAddr = nle.LeaderAddr
		s.writeJSON(w, http.StatusMisdirectedRequest, resp)
		return
	}
	s.writeJSON(w, statusOf(err), resp)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, group.ErrGroupNotFound), errors.Is(err, vfs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, vfs.ErrPathExists), errors.Is(err, vfs.ErrVersionMismatch),
		errors.Is(err, consensus.ErrConfChangePending):
		return http.StatusConflict
	case errors.Is(err, vfs.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, vfs.ErrInvalidPath), errors.Is(err, vfs.ErrTooManyFiles),
		errors.Is(err, vfs.ErrUnknownOp), errors.Is(err, vfs.ErrInvalidBatch),
		errors.Is(err, vfs.ErrInvalidPattern), errors.Is(err, consensus.ErrInvalidConfChange):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, consensus.ErrStopped), errors.Is(err, consensus.ErrHalted),
		errors.Is(err, consensus.ErrProposalDropped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) groupID(w http.ResponseWriter, r *http.Request) (types.GroupID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "group"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid group id"))
		return 0, false
	}
	return types.GroupID(id), true
}

func (s *Server) consistency(w http.ResponseWriter, r *http.Request) (types.Consistency, bool) {
	c, err := types.ParseConsistency(r.URL.Query().Get("consistency"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return 0, false
	}
	return c, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if s.metrics == nil {
		return
	}
	if err := s.metrics.WriteText(w); err != nil {
		s.logger.Warn("Failed to write metrics response", "error", err)
	}
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	id, ok := s.groupID(w, r)
	if !ok {
		return
	}
	msg, err := transport.DecodeMessage(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.host.Step(r.Context(), id, msg); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, GroupsResponse{Groups: s.host.Groups()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.groupID(w, r)
	if !ok {
		return
	}
	st, err := s.host.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := s.groupID(w, r)
	if !ok {
		return
	}
	peers, err := s.host.CurrentMembership(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, MembersResponse{Members: peers})
}

func (s *Server) handleChangeMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := s.groupID(w, r)
	if !ok {
		return
	}
	var req MembershipRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to decode request"))
		return
	}
	op, err := types.ParseChangeOp(req.Op)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	index, err := s.host.ChangeMembership(r.Context(), id, types.MembershipChange{
		Op:   op,
		Peer: types.Peer{ID: req.ID, Address: req.Address},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("membership change committed", "group", id, "op", op, "node", req.ID, "index", index)
	s.writeJSON(w, http.StatusOK, IndexResponse{Status: StatusSuccess, Index: index})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := s.groupID(w, r)
	if !ok {
		return
	}
	var cmd vfs.Command
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&cmd); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to decode command"))
		return
	}

	res, err := s.host.ProposeCommand(r.Context(), id, cmd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Err != nil {
		status = statusOf(res.Err)
	}
	s.writeJSON(w, status, NewCommandResponse(res))
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.groupID(w, r)
	if !ok {
		return
	}
	fid, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid file id"))
		return
	}
	c, ok := s.consistency(w, r)
	if !ok {
		return
	}

	rec, err := s.host.ReadFile(r.Context(), id, types.FileID(fid), c)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleFiles looks a file up by ?path=, searches by ?match= or lists a directory by ?prefix=.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := s.groupID(w, r)
	if !ok {
		return
	}
	c, ok := s.consistency(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	if p := q.Get("path"); p != "" {
		rec, err := s.host.ReadPath(r.Context(), id, p, c)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, rec)
		return
	}

	var (
		files []vfs.FileRecord
		err   error
	)
	if m := q.Get("match"); m != "" {
		files, err = s.host.Find(r.Context(), id, m, c)
	} else {
		files, err = s.host.List(r.Context(), id, q.Get("prefix"), c)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if files == nil {
		files = []vfs.FileRecord{}
	}
	s.writeJSON(w, http.StatusOK, FilesResponse{Files: files})
}
