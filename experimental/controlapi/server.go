// Package controlapi exposes the engine's lifecycle surface and log event
// stream over HTTP for external front-ends.
package controlapi

import (
	"errors"
	"net"
	"net/http"

	"github.com/sagernet/sing-intercept/adapter"
	"github.com/sagernet/sing-intercept/log"
	"github.com/sagernet/sing-intercept/option"
	"github.com/sagernet/sing-intercept/pipeline"
	"github.com/sagernet/sing-intercept/proxy"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"
	"github.com/sagernet/sing/common/json"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sagernet/cors"
	"github.com/sagernet/ws"
	"github.com/sagernet/ws/wsutil"
)

var _ adapter.Service = (*Server)(nil)

type Server struct {
	logger     log.Logger
	logFactory log.Factory
	httpServer *http.Server
	service    *proxy.Service
	manager    *pipeline.Manager
}

func NewServer(logFactory log.Factory, service *proxy.Service, manager *pipeline.Manager, options option.APIOptions) *Server {
	chiRouter := chi.NewRouter()
	server := &Server{
		logger:     logFactory.NewLogger("controlapi"),
		logFactory: logFactory,
		service:    service,
		manager:    manager,
		httpServer: &http.Server{
			Addr:    options.Listen,
			Handler: chiRouter,
		},
	}
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	})
	chiRouter.Use(corsMiddleware.Handler)
	chiRouter.Get("/status", server.handleStatus)
	chiRouter.Post("/start", server.handleStart)
	chiRouter.Post("/stop", server.handleStop)
	chiRouter.Get("/modules", server.handleModules)
	chiRouter.Get("/connections", server.handleConnections)
	chiRouter.Get("/logs", server.handleLogs)
	return server
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return E.Cause(err, "control API listen error")
	}
	s.logger.Info("control API listening at ", listener.Addr())
	go func() {
		serveErr := s.httpServer.Serve(listener)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("control API serve error: ", serveErr)
		}
	}()
	return nil
}

func (s *Server) Close() error {
	return common.Close(common.PtrOrNil(s.httpServer))
}

func (s *Server) handleStatus(writer http.ResponseWriter, request *http.Request) {
	options := s.service.Options()
	status := render.M{
		"running":     s.service.IsRunning(),
		"target":      net.JoinHostPort(options.TargetHost, F.ToString(options.TargetPort)),
		"connections": s.service.ConnectionCount(),
	}
	if listenAddr := s.service.ListenAddr(); listenAddr != nil {
		status["listen"] = listenAddr.String()
	}
	render.JSON(writer, request, status)
}

func (s *Server) handleStart(writer http.ResponseWriter, request *http.Request) {
	err := s.service.Start()
	if err != nil {
		render.Status(request, http.StatusConflict)
		render.PlainText(writer, request, err.Error())
		return
	}
	render.NoContent(writer, request)
}

func (s *Server) handleStop(writer http.ResponseWriter, request *http.Request) {
	err := s.service.Close()
	if err != nil {
		render.Status(request, http.StatusInternalServerError)
		render.PlainText(writer, request, err.Error())
		return
	}
	render.NoContent(writer, request)
}

type moduleEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleModules(writer http.ResponseWriter, request *http.Request) {
	response := render.M{}
	for _, direction := range []pipeline.Direction{pipeline.DirectionClient, pipeline.DirectionServer} {
		line := s.manager.Pipeline(direction)
		entries := make([]moduleEntry, 0, line.Len())
		for _, module := range line.Modules() {
			entries = append(entries, moduleEntry{
				Name:        module.Name(),
				Description: module.Description(),
			})
		}
		response[direction.String()] = entries
	}
	render.JSON(writer, request, response)
}

func (s *Server) handleConnections(writer http.ResponseWriter, request *http.Request) {
	render.JSON(writer, request, s.service.Sessions())
}

// handleLogs streams log entries, over a websocket when the client upgrades
// and as newline-delimited JSON otherwise.
func (s *Server) handleLogs(writer http.ResponseWriter, request *http.Request) {
	var wsConn net.Conn
	if request.Header.Get("Upgrade") == "websocket" {
		var err error
		wsConn, _, _, err = ws.UpgradeHTTP(request, writer)
		if err != nil {
			render.Status(request, http.StatusBadRequest)
			render.PlainText(writer, request, err.Error())
			return
		}
		defer wsConn.Close()
	}

	level := log.LevelInfo
	if levelText := request.URL.Query().Get("level"); levelText != "" {
		parsedLevel, err := log.ParseLevel(levelText)
		if err != nil {
			render.Status(request, http.StatusBadRequest)
			render.PlainText(writer, request, err.Error())
			return
		}
		level = parsedLevel
	}

	subscription, done, err := s.logFactory.Subscribe()
	if err != nil {
		render.Status(request, http.StatusInternalServerError)
		render.PlainText(writer, request, err.Error())
		return
	}
	defer s.logFactory.UnSubscribe(subscription)

	if wsConn == nil {
		writer.WriteHeader(http.StatusOK)
	}
	flusher, canFlush := writer.(http.Flusher)
	for {
		select {
		case <-done:
			return
		case <-request.Context().Done():
			return
		case entry := <-subscription:
			if entry.Level > level {
				continue
			}
			content, marshalErr := json.Marshal(render.M{
				"level":   log.FormatLevel(entry.Level),
				"message": entry.Message,
			})
			if marshalErr != nil {
				continue
			}
			if wsConn != nil {
				writeErr := wsutil.WriteServerText(wsConn, content)
				if writeErr != nil {
					return
				}
			} else {
				_, writeErr := writer.Write(append(content, '\n'))
				if writeErr != nil {
					return
				}
				if canFlush {
					flusher.Flush()
				}
			}
		}
	}
}
