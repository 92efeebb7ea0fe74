package server

import (
	"github.com/gin-gonic/gin"
	"github.com/krau/wd14nodes/config"
	"github.com/krau/wd14nodes/hub"
	"github.com/krau/wd14nodes/nodes"
	"github.com/krau/wd14nodes/service"
)

type Server struct {
	cfg      config.Config
	tagger   *service.Tagger
	resolver *hub.Resolver
}

func New(cfg config.Config, tagger *service.Tagger, resolver *hub.Resolver) *Server {
	return &Server{cfg: cfg, tagger: tagger, resolver: resolver}
}

func (s *Server) defaults() nodes.Defaults {
	return nodes.Defaults{
		Model:              s.cfg.Model,
		GeneralThreshold:   s.cfg.GeneralThreshold,
		CharacterThreshold: s.cfg.CharacterThreshold,
		ReplaceUnderscore:  s.cfg.ReplaceUnderscore,
		UseGPU:             s.cfg.UseGPU,
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", HealthHandler)

	api := r.Group("/", s.authenticate)
	api.GET("/nodes", s.NodesHandler)
	api.GET("/models", s.ModelsHandler)
	api.POST("/models/:id/download", s.DownloadHandler)
	api.POST("/predict", s.PredictHandler)
	api.POST("/folder/load", s.LoadFolderHandler)
	api.POST("/folder/tag", s.TagFolderHandler)
	return r
}
