package apitest

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/roach88/tasksync/internal/api"
	"github.com/roach88/tasksync/internal/entity"
)

// Server exposes a Backend over the JSON/HTTP contract spoken by api.HTTPClient,
// plus the push channel at api.EventsPath.
type Server struct {
	backend *Backend
	hub     *Hub
	router  *gin.Engine
	token   string
	logger  *slog.Logger
	detach  func()
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// RequireToken rejects requests without "Authorization: Bearer <token>".
func RequireToken(token string) ServerOption {
	return func(s *Server) {
		s.token = token
	}
}

// WithServerLogger sets the logger. Defaults to slog.Default().
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer wires b to a gin router and a push hub.
func NewServer(b *Backend, opts ...ServerOption) *Server {
	s := &Server{backend: b, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.logger)
	s.detach = b.OnEvent(s.hub.Broadcast)

	router := gin.New()
	router.Use(gin.Recovery(), s.authenticate)

	v1 := router.Group("/v1")
	{
		v1.GET(strings.TrimPrefix(api.EventsPath, "/v1"), gin.WrapH(s.hub))
		for _, kind := range entity.Kinds {
			path := strings.TrimPrefix(api.CollectionPath(kind), "/v1")
			v1.GET(path, s.handleList(kind))
			v1.POST(path, s.handleCreate(kind))
			v1.PUT(path+"/order", s.handleReorder(kind))
			v1.PATCH(path+"/:id", s.handleUpdate(kind))
			v1.DELETE(path+"/:id", s.handleDelete(kind))
		}
	}
	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the push hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Backend returns the backend behind the server.
func (s *Server) Backend() *Backend {
	return s.backend
}

// Close disconnects push clients and stops forwarding backend events.
func (s *Server) Close() {
	s.detach()
	s.hub.Close()
}

func (s *Server) authenticate(c *gin.Context) {
	if s.token == "" {
		c.Next()
		return
	}
	if c.GetHeader("Authorization") != "Bearer "+s.token {
		abort(c, &api.Error{Kind: api.KindUnauthorized, Message: "missing or invalid bearer token"})
		return
	}
	c.Next()
}

func (s *Server) handleList(kind entity.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := s.backend.List(c.Request.Context(), api.ListRequest{Kind: kind, Parent: c.Query("parent")})
		if err != nil {
			abort(c, err)
			return
		}
		if items == nil {
			items = []entity.Entity{}
		}
		c.JSON(http.StatusOK, api.ListResponse{Items: items})
	}
}

func (s *Server) handleCreate(kind entity.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body api.CreateBody
		if err := c.ShouldBindJSON(&body); err != nil {
			abort(c, &api.Error{Kind: api.KindValidation, Message: err.Error()})
			return
		}
		e, err := s.backend.Create(c.Request.Context(), api.CreateRequest{
			Token:  c.GetHeader(api.HeaderToken),
			Kind:   kind,
			Parent: body.Parent,
			Fields: body.Fields,
		})
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusCreated, e)
	}
}

func (s *Server) handleUpdate(kind entity.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body api.UpdateBody
		if err := c.ShouldBindJSON(&body); err != nil {
			abort(c, &api.Error{Kind: api.KindValidation, Message: err.Error()})
			return
		}
		e, err := s.backend.Update(c.Request.Context(), api.UpdateRequest{
			Token: c.GetHeader(api.HeaderToken),
			Kind:  kind,
			ID:    c.Param("id"),
			Patch: body.Patch,
		})
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, e)
	}
}

func (s *Server) handleDelete(kind entity.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := s.backend.Delete(c.Request.Context(), api.DeleteRequest{
			Token: c.GetHeader(api.HeaderToken),
			Kind:  kind,
			ID:    c.Param("id"),
		})
		if err != nil {
			abort(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) handleReorder(kind entity.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body api.ReorderBody
		if err := c.ShouldBindJSON(&body); err != nil {
			abort(c, &api.Error{Kind: api.KindValidation, Message: err.Error()})
			return
		}
		ids, err := s.backend.Reorder(c.Request.Context(), api.ReorderRequest{
			Token:  c.GetHeader(api.HeaderToken),
			Kind:   kind,
			Parent: body.Parent,
			IDs:    body.IDs,
		})
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, api.OrderResponse{IDs: ids})
	}
}

func abort(c *gin.Context, err error) {
	var ae *api.Error
	if !errors.As(err, &ae) {
		ae = &api.Error{Kind: api.KindServer, Message: err.Error()}
	}
	c.AbortWithStatusJSON(api.StatusForKind(ae.Kind), api.ErrorBody{
		Error: api.ErrorPayload{Kind: ae.Kind, Message: ae.Message},
	})
}
