// Package transport is a harness-only local HTTP surface exposing the
// dispatcher's four external messages (spec.md §6) as JSON endpoints,
// the same way the teacher exposes its provider endpoints through gin.
// This is not part of the core's public contract: spec.md §1 excludes
// the network transport, and SPEC_FULL.md's domain-stack table notes
// the core package never imports this one — only cmd/dispatchd does.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/immersive-translate/dispatch-core/internal/batchqueue"
	"github.com/immersive-translate/dispatch-core/internal/dispatcher"
	"github.com/immersive-translate/dispatch-core/internal/genaibatch"
	"github.com/immersive-translate/dispatch-core/internal/model"
	"github.com/immersive-translate/dispatch-core/internal/requestqueue"
)

// Server wraps a gin engine exposing the dispatcher's messages.
type Server struct {
	engine *gin.Engine
	d      *dispatcher.Dispatcher
	http   *http.Server

	aggCfg genaibatch.Config
	aggMu  sync.Mutex
	agg    map[genaibatch.Key]*genaibatch.Controller
}

// New builds the harness HTTP surface bound to d. aggCfg tunes the
// caller-side genaibatch.Controller instances handleEnqueueGenAIChunk
// lazily creates, one per (language, provider) key (spec.md §4.G runs
// "on the caller side"; the harness plays that caller for callers that
// want per-snippet coalescing instead of building their own batch).
func New(d *dispatcher.Dispatcher, aggCfg genaibatch.Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, d: d, aggCfg: aggCfg, agg: make(map[genaibatch.Key]*genaibatch.Controller)}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.POST("/enqueueTranslateRequest", s.handleEnqueueTranslateRequest)
	s.engine.POST("/enqueueGenAIBatch", s.handleEnqueueGenAIBatch)
	s.engine.POST("/enqueueGenAIChunk", s.handleEnqueueGenAIChunk)
	s.engine.POST("/setTranslateRequestQueueConfig", s.handleSetRequestQueueConfig)
	s.engine.POST("/setTranslateBatchQueueConfig", s.handleSetBatchQueueConfig)
	s.engine.POST("/cancelRequest/:clientRequestId", s.handleCancelRequest)
	s.engine.POST("/cancelTab/:tabId", s.handleCancelTab)
	s.engine.GET("/debug", s.handleDebug)
}

// translateRequestBody mirrors spec.md §6's enqueueTranslateRequest
// payload.
type translateRequestBody struct {
	Text               string               `json:"text"`
	Lang               model.LangConfig     `json:"langConfig"`
	Provider           model.ProviderConfig `json:"providerConfig"`
	Hash               string               `json:"hash"`
	ScheduleAt         time.Time            `json:"scheduleAt"`
	ArticleTitle       string               `json:"articleTitle"`
	ArticleTextContent string               `json:"articleTextContent"`
	ClientRequestID    string               `json:"clientRequestId"`
	TabID              string               `json:"tabId"`
	ChunkMetadata      *model.ChunkMetadata `json:"chunkMetadata"`
}

func (b translateRequestBody) toRequest() model.TranslationRequest {
	var article *model.ArticleContext
	if b.ArticleTitle != "" || b.ArticleTextContent != "" {
		article = &model.ArticleContext{Title: b.ArticleTitle, Summary: b.ArticleTextContent}
	}
	return model.TranslationRequest{
		Text: b.Text, Lang: b.Lang, Provider: b.Provider, Hash: b.Hash, ScheduleAt: b.ScheduleAt,
		Article: article, Chunk: b.ChunkMetadata, ClientRequestID: b.ClientRequestID, TabID: b.TabID,
	}
}

func (s *Server) handleEnqueueTranslateRequest(c *gin.Context) {
	var body translateRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	text, err := s.d.EnqueueTranslateRequest(c.Request.Context(), body.toRequest())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": text})
}

type genAIBatchChunkBody struct {
	Text     string               `json:"text"`
	Hash     string               `json:"hash"`
	Metadata *model.ChunkMetadata `json:"chunkMetadata"`
}

type genAIBatchBody struct {
	Chunks             []genAIBatchChunkBody `json:"chunks"`
	Lang               model.LangConfig      `json:"langConfig"`
	Provider           model.ProviderConfig  `json:"providerConfig"`
	ScheduleAt         time.Time             `json:"scheduleAt"`
	ClientRequestID    string                `json:"clientRequestId"`
	TabID              string                `json:"tabId"`
	ArticleTitle       string                `json:"articleTitle"`
	ArticleTextContent string                `json:"articleTextContent"`
}

func (s *Server) handleEnqueueGenAIBatch(c *gin.Context) {
	var body genAIBatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var article *model.ArticleContext
	if body.ArticleTitle != "" || body.ArticleTextContent != "" {
		article = &model.ArticleContext{Title: body.ArticleTitle, Summary: body.ArticleTextContent}
	}
	chunks := make([]dispatcher.GenAIBatchChunk, len(body.Chunks))
	for i, ch := range body.Chunks {
		chunks[i] = dispatcher.GenAIBatchChunk{Text: ch.Text, Hash: ch.Hash, Metadata: ch.Metadata}
	}
	req := dispatcher.GenAIBatchRequest{
		Chunks: chunks, Lang: body.Lang, Provider: body.Provider, ScheduleAt: body.ScheduleAt,
		ClientRequestID: body.ClientRequestID, TabID: body.TabID, Article: article,
	}
	texts, err := s.d.EnqueueGenAIBatch(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "texts": texts})
		return
	}
	c.JSON(http.StatusOK, gin.H{"texts": texts})
}

// genAIChunkBody is one snippet submitted through the caller-side
// aggregator instead of a pre-assembled enqueueGenAIBatch call.
type genAIChunkBody struct {
	ID                 string               `json:"id"`
	Text               string               `json:"text"`
	Hash               string               `json:"hash"`
	Metadata           *model.ChunkMetadata `json:"chunkMetadata"`
	Lang               model.LangConfig     `json:"langConfig"`
	Provider           model.ProviderConfig `json:"providerConfig"`
	ClientRequestID    string               `json:"clientRequestId"`
	TabID              string               `json:"tabId"`
	ArticleTitle       string               `json:"articleTitle"`
	ArticleTextContent string               `json:"articleTextContent"`
}

func (s *Server) controllerFor(key genaibatch.Key, body genAIChunkBody) *genaibatch.Controller {
	s.aggMu.Lock()
	defer s.aggMu.Unlock()

	if ctl, ok := s.agg[key]; ok {
		return ctl
	}
	ctl := genaibatch.New(s.aggCfg, func(ctx context.Context, chunks []*genaibatch.Chunk, k genaibatch.Key) ([]string, error) {
		req := dispatcher.GenAIBatchRequest{
			Lang:            model.LangConfig{Source: k.Source, Target: k.Target},
			Provider:        body.Provider,
			ClientRequestID: body.ClientRequestID,
			TabID:           body.TabID,
		}
		if body.ArticleTitle != "" || body.ArticleTextContent != "" {
			req.Article = &model.ArticleContext{Title: body.ArticleTitle, Summary: body.ArticleTextContent}
		}
		req.Chunks = make([]dispatcher.GenAIBatchChunk, len(chunks))
		for i, ch := range chunks {
			req.Chunks[i] = dispatcher.GenAIBatchChunk{Text: ch.Text, Hash: ch.Hash, Metadata: ch.Metadata}
		}
		return s.d.EnqueueGenAIBatch(ctx, req)
	})
	s.agg[key] = ctl
	return ctl
}

func (s *Server) handleEnqueueGenAIChunk(c *gin.Context) {
	var body genAIChunkBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := genaibatch.Key{Source: body.Lang.Source, Target: body.Lang.Target, ProviderID: body.Provider.ID}
	chunk := genaibatch.NewChunk(body.ID, body.Text, body.Hash, body.Metadata)
	s.controllerFor(key, body).Enqueue(c.Request.Context(), chunk, key)

	text, err := chunk.Wait(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": text})
}

func (s *Server) handleSetRequestQueueConfig(c *gin.Context) {
	var cfg requestqueue.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.d.SetTranslateRequestQueueConfig(cfg)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetBatchQueueConfig(c *gin.Context) {
	var cfg batchqueue.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.d.SetTranslateBatchQueueConfig(cfg)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCancelRequest(c *gin.Context) {
	s.d.CancelRequest(c.Param("clientRequestId"))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCancelTab(c *gin.Context) {
	s.d.CancelTab(c.Param("tabId"))
	c.Status(http.StatusNoContent)
}

// handleDebug exposes the supplemented in-process metrics counters
// (SPEC_FULL.md §4.2), deliberately not a telemetry transport.
func (s *Server) handleDebug(c *gin.Context) {
	c.JSON(http.StatusOK, s.d.Metrics())
}

// Run starts listening on addr, blocking until the server stops (for
// example through Shutdown).
func (s *Server) Run(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	log.Infof("transport: listening on %s", addr)
	return s.http.ListenAndServe()
}

// Shutdown closes the HTTP server immediately; it does not wait for
// in-flight requests, whose connections are dropped.
func (s *Server) Shutdown() error {
	if s.http == nil {
		return nil
	}
	return s.http.Close()
}
