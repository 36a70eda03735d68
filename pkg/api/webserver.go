package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"

	"github.com/chenBenjamin97/object-tracker/pkg/inference"
	"github.com/chenBenjamin97/object-tracker/pkg/utils"
	"github.com/chenBenjamin97/object-tracker/pkg/video"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
)

//detectRequest is the body of POST /api/Detect. Mode, Confidence and Tracker fall back to the pipeline defaults
type detectRequest struct {
	Name       string   `json:"name" binding:"required"`
	Mode       string   `json:"mode"`
	Confidence *float64 `json:"confidence"`
	Tracker    string   `json:"tracker"`
}

//NormalizeConfidence accepts a fraction in [0,1] or a slider percentage in [25,100]
func NormalizeConfidence(value float64) (float64, error) {
	switch {
	case value >= 0 && value <= 1:
		return value, nil
	case value >= 25 && value <= 100:
		return value / 100, nil
	}
	return 0, fmt.Errorf("NormalizeConfidence: %v is neither a fraction nor a percentage in [25,100]", value)
}

//pipelineConfig turns a request into the immutable run configuration
func pipelineConfig(req detectRequest) (video.PipelineConfig, error) {
	modeName := req.Mode
	if modeName == "" {
		modeName = inference.ModeDetect.String()
	}
	mode, err := inference.ParseMode(modeName)
	if err != nil {
		return video.PipelineConfig{}, err
	}

	trackerName := req.Tracker
	if mode == inference.ModeTrack && trackerName == "" {
		trackerName = viper.GetString("pipeline.default_tracker")
	}
	algo, err := inference.ParseTrackerAlgorithm(trackerName)
	if err != nil {
		return video.PipelineConfig{}, err
	}

	confidence := viper.GetFloat64("pipeline.default_confidence")
	if req.Confidence != nil {
		if confidence, err = NormalizeConfidence(*req.Confidence); err != nil {
			return video.PipelineConfig{}, err
		}
	}

	return video.NewPipelineConfig(mode, confidence, algo)
}

func SetRouter(runs *RunManager) *gin.Engine {
	r := gin.Default()

	//serve html pages to client
	if static := viper.GetString("frontend.static-files-path"); static != "" {
		r.Static("/client", static)
		r.StaticFile("/", path.Join(static, "index.html"))
	}

	apiRoutes := r.Group("/api")

	apiRoutes.GET("/ReadyVideosNames", func(ctx *gin.Context) {
		if names, err := utils.ListDir(viper.GetString("directory.ready")); err != nil {
			ctx.Status(http.StatusInternalServerError)
		} else {
			ctx.JSON(http.StatusOK, names)
		}
	})

	apiRoutes.GET("/SourceVideosNames", func(ctx *gin.Context) {
		if names, err := utils.ListDir(viper.GetString("directory.source")); err != nil {
			ctx.Status(http.StatusInternalServerError)
		} else {
			ctx.JSON(http.StatusOK, names)
		}
	})

	apiRoutes.GET("/Play", func(ctx *gin.Context) {
		videoName := ctx.Query("name")
		if !utils.SafeName(videoName) {
			ctx.Status(http.StatusNotAcceptable) //missing url parameter
			return
		}

		analyzed := ctx.Query("analyzed")
		if analyzed != "true" && analyzed != "false" {
			ctx.Status(http.StatusNotAcceptable) //missing url parameter
			return
		}

		var videoPath string
		if analyzed == "true" {
			videoPath = path.Join(viper.GetString("directory.ready"), utils.OutputName(videoName))
		} else {
			videoPath = path.Join(viper.GetString("directory.source"), videoName)
		}

		if _, err := os.Stat(videoPath); err != nil {
			if os.IsNotExist(err) {
				ctx.Status(http.StatusNotFound)
				return
			} else {
				ctx.Status(http.StatusInternalServerError)
				return
			}
		}

		if analyzed == "true" {
			ctx.Header("Content-Type", "video/x-msvideo")
		}
		http.ServeFile(ctx.Writer, ctx.Request, videoPath)
	})

	apiRoutes.POST("/Upload", func(ctx *gin.Context) {
		fHeader, err := ctx.FormFile("video")
		if err != nil {
			ctx.Status(http.StatusBadRequest)
			return
		}
		if !utils.SafeName(fHeader.Filename) {
			ctx.Status(http.StatusNotAcceptable)
			return
		}

		if existNames, err := utils.ListDir(viper.GetString("directory.source")); err != nil {
			ctx.Status(http.StatusInternalServerError)
			return
		} else {
			if utils.InSlice(fHeader.Filename, existNames) {
				ctx.Status(http.StatusNotAcceptable)
				return
			}
		}

		log.Printf("api/Upload: Recived new file: name - '%s', size - %v Bytes", fHeader.Filename, fHeader.Size)

		srcFilePath := path.Join(viper.GetString("directory.source"), fHeader.Filename)
		if err := ctx.SaveUploadedFile(fHeader, srcFilePath); err != nil {
			log.Printf("api/Upload: Could not write '%s' file, got '%v'", srcFilePath, err)
			ctx.Status(http.StatusInternalServerError)
			return
		}

		ctx.Status(http.StatusCreated)
	})

	apiRoutes.POST("/Detect", func(ctx *gin.Context) {
		var req detectRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusNotAcceptable, gin.H{"error": err.Error()})
			return
		}
		if !utils.SafeName(req.Name) {
			ctx.JSON(http.StatusNotAcceptable, gin.H{"error": "invalid video name"})
			return
		}

		srcFilePath := path.Join(viper.GetString("directory.source"), req.Name)
		if _, err := os.Stat(srcFilePath); err != nil {
			if os.IsNotExist(err) {
				ctx.Status(http.StatusNotFound)
			} else {
				ctx.Status(http.StatusInternalServerError)
			}
			return
		}

		cfg, err := pipelineConfig(req)
		if err != nil {
			ctx.JSON(http.StatusNotAcceptable, gin.H{"error": err.Error()})
			return
		}

		outFilePath := path.Join(viper.GetString("directory.ready"), utils.OutputName(req.Name))
		id, err := runs.Start(srcFilePath, outFilePath, cfg)
		if err != nil {
			if errors.Is(err, ErrRunActive) {
				ctx.JSON(http.StatusConflict, gin.H{"error": err.Error(), "active": runs.Active()})
				return
			}
			log.Printf("api/Detect: Could not start run on '%s', got '%v'", srcFilePath, err)
			ctx.Status(http.StatusServiceUnavailable)
			return
		}

		ctx.JSON(http.StatusAccepted, gin.H{"id": id})
	})

	apiRoutes.GET("/Runs", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, runs.List())
	})

	apiRoutes.GET("/Runs/:id", func(ctx *gin.Context) {
		status, err := runs.Status(ctx.Param("id"))
		if err != nil {
			ctx.Status(http.StatusNotFound)
			return
		}
		ctx.JSON(http.StatusOK, status)
	})

	apiRoutes.GET("/Runs/:id/Preview", func(ctx *gin.Context) {
		jpeg, err := runs.Preview(ctx.Param("id"))
		if err != nil {
			ctx.Status(http.StatusNotFound)
			return
		}
		if jpeg == nil {
			ctx.Status(http.StatusNoContent) //no frame written yet
			return
		}
		ctx.Header("Cache-Control", "no-store")
		ctx.Data(http.StatusOK, "image/jpeg", jpeg)
	})

	apiRoutes.DELETE("/Runs/:id", func(ctx *gin.Context) {
		if err := runs.Cancel(ctx.Param("id")); err != nil {
			ctx.Status(http.StatusNotFound)
			return
		}
		ctx.Status(http.StatusAccepted)
	})

	return r
}
