package api

import (
	"github.com/chasecee/tv.local/internal/retention"
	"github.com/chasecee/tv.local/internal/storage"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type VideoListResponse struct {
	Videos []storage.Video `json:"videos"`
}

type UploadResponse struct {
	Video   storage.Video `json:"video"`
	Playing bool          `json:"playing"`
}

type ActionResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

type DiskResponse struct {
	retention.Usage
	FreeHuman  string `json:"free_human"`
	TotalHuman string `json:"total_human"`
}

type StatusResponse struct {
	CurrentVideo string          `json:"current_video,omitempty"`
	DefaultVideo string          `json:"default_video,omitempty"`
	Processing   bool            `json:"processing"`
	Videos       []storage.Video `json:"videos"`
	Disk         *DiskResponse   `json:"disk,omitempty"`
}
