package server

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/krau/wd14nodes/hub"
	"github.com/krau/wd14nodes/nodes"
	"github.com/krau/wd14nodes/service"
)

func (s *Server) authenticate(c *gin.Context) {
	expectedToken := s.cfg.Token
	if expectedToken == "" {
		c.Next()
		return
	}
	auth := c.GetHeader("Authorization")
	providedToken := ""
	if len(auth) > 7 && auth[:7] == "Bearer " {
		providedToken = auth[7:]
	}
	if subtle.ConstantTimeCompare([]byte(providedToken), []byte(expectedToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "认证失败"})
		return
	}
	c.Next()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInput), errors.Is(err, hub.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, hub.ErrDownload):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(msg, slog.String("error", err.Error()))
	} else {
		slog.Warn(msg, slog.String("error", err.Error()))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// tagInput mirrors the tagger node inputs. Unset fields take the configured defaults.
type tagInput struct {
	Filename           string   `form:"filename" json:"filename"`
	FolderPath         string   `form:"folder_path" json:"folder_path"`
	Model              string   `form:"model" json:"model"`
	Threshold          *float32 `form:"threshold" json:"threshold" binding:"omitempty,gte=0,lte=1"`
	CharacterThreshold *float32 `form:"character_threshold" json:"character_threshold" binding:"omitempty,gte=0,lte=1"`
	ReplaceUnderscore  *bool    `form:"replace_underscore" json:"replace_underscore"`
	UseGPU             *bool    `form:"use_gpu" json:"use_gpu"`
	PrependTags        string   `form:"prepend_tags" json:"prepend_tags"`
	ExcludeTags        string   `form:"exclude_tags" json:"exclude_tags"`
}

func (s *Server) request(in tagInput) service.Request {
	req := service.Request{
		Filename:  in.Filename,
		OutputDir: in.FolderPath,
		Model:     s.cfg.Model,
		UseGPU:    s.cfg.UseGPU,
		Options: service.Options{
			GeneralThreshold:   s.cfg.GeneralThreshold,
			CharacterThreshold: s.cfg.CharacterThreshold,
			ReplaceUnderscore:  s.cfg.ReplaceUnderscore,
			PrependTags:        in.PrependTags,
			ExcludeTags:        in.ExcludeTags,
		},
	}
	if in.Model != "" {
		req.Model = in.Model
	}
	if in.Threshold != nil {
		req.GeneralThreshold = *in.Threshold
	}
	if in.CharacterThreshold != nil {
		req.CharacterThreshold = *in.CharacterThreshold
	}
	if in.ReplaceUnderscore != nil {
		req.ReplaceUnderscore = *in.ReplaceUnderscore
	}
	if in.UseGPU != nil {
		req.UseGPU = *in.UseGPU
	}
	return req
}

func (s *Server) PredictHandler(c *gin.Context) {
	var in tagInput
	if err := c.ShouldBind(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未上传文件"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无法打开上传的文件"})
		return
	}
	defer file.Close()

	img, err := service.DecodeImage(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无法解析图片"})
		return
	}

	req := s.request(in)
	req.Image = img
	if req.Filename == "" {
		req.Filename = fileHeader.Filename
	}
	req.Progress = hub.LogProgress{Model: req.Model}

	resp, err := s.tagger.Tag(c.Request.Context(), req)
	if err != nil {
		fail(c, "Prediction failed", err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type folderInput struct {
	FolderPath string `json:"folder_path" binding:"required"`
}

func (s *Server) LoadFolderHandler(c *gin.Context) {
	var in folderInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	batch, err := service.LoadFolder(in.FolderPath)
	if err != nil {
		fail(c, "Failed to load folder", err)
		return
	}
	sizes := make([][2]int, 0, len(batch.Images))
	for _, img := range batch.Images {
		sizes = append(sizes, [2]int{img.Bounds().Dx(), img.Bounds().Dy()})
	}
	c.JSON(http.StatusOK, gin.H{"filenames": batch.Filenames, "sizes": sizes, "folder_path": batch.Folder})
}

type folderTagInput struct {
	tagInput
	Source string `json:"source" binding:"required"`
}

type folderTagItem struct {
	Filename string          `json:"filename"`
	Result   *service.Result `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// TagFolderHandler chains the two nodes: load every image in source and tag
// it, writing tag files to folder_path (source when empty).
func (s *Server) TagFolderHandler(c *gin.Context) {
	var in folderTagInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	batch, err := service.LoadFolder(in.Source)
	if err != nil {
		fail(c, "Failed to load folder", err)
		return
	}
	req := s.request(in.tagInput)
	if req.OutputDir == "" {
		req.OutputDir = batch.Folder
	}
	req.Progress = hub.LogProgress{Model: req.Model}

	items, err := s.tagger.TagBatch(c.Request.Context(), batch, req, nil)
	if err != nil {
		fail(c, "Batch tagging failed", err)
		return
	}
	out := make([]folderTagItem, 0, len(items))
	for _, it := range items {
		item := folderTagItem{Filename: it.Filename, Result: it.Result}
		if it.Err != nil {
			item.Error = it.Err.Error()
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"folder_path": req.OutputDir, "items": out})
}

func (s *Server) NodesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, nodes.Registry(s.resolver.Status(), s.defaults()))
}

type modelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Repo        string `json:"repo"`
	Installed   bool   `json:"installed"`
}

func (s *Server) ModelsHandler(c *gin.Context) {
	status := s.resolver.Status()
	out := make([]modelInfo, 0, len(status))
	for _, m := range status {
		out = append(out, modelInfo{ID: m.ID, DisplayName: m.DisplayName, Repo: m.Repo, Installed: m.Installed})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) DownloadHandler(c *gin.Context) {
	id := c.Param("id")
	paths, err := s.resolver.Resolve(c.Request.Context(), id, hub.LogProgress{Model: id})
	if err != nil {
		fail(c, "Model download failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "weights": paths.Weights, "labels": paths.Labels})
}

func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
