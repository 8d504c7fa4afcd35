package webhook

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog/log"

	"github.com/xwell/autobrr-loadbalance/internal/balancer"
)

type webhookHandler struct {
	d Dispatch
}

type ReceiveInput struct {
	Body struct {
		DownloadURL string `json:"download_url" minLength:"1" doc:"Torrent download URL or magnet link"`
		ReleaseName string `json:"release_name" minLength:"1" doc:"Release name"`
		Indexer     string `json:"indexer,omitempty" doc:"Indexer, used as category fallback"`
		Category    string `json:"category,omitempty" doc:"qBittorrent category"`
		SavePath    string `json:"savepath,omitempty" doc:"Save path override"`
		DlLimit     int64  `json:"dl_limit,omitempty" doc:"Download rate limit in bytes/s"`
		UpLimit     int64  `json:"up_limit,omitempty" doc:"Upload rate limit in bytes/s"`
		Paused      bool   `json:"paused,omitempty" doc:"Add in stopped state"`
	}
}

type ReceiveBody struct {
	Status   string `json:"status" doc:"Outcome"`
	Instance string `json:"instance" doc:"Instance the torrent was routed to"`
	Hash     string `json:"hash,omitempty" doc:"Torrent info-hash"`
}

type ReceiveOutput struct {
	Body ReceiveBody
}

func (h *webhookHandler) Receive(ctx context.Context, input *ReceiveInput) (*ReceiveOutput, error) {
	b := input.Body
	category := b.Category
	if category == "" {
		category = b.Indexer
	}

	log.Info().
		Str("release", b.ReleaseName).
		Str("indexer", b.Indexer).
		Str("category", category).
		Msg("webhook received")

	res, err := h.d.Dispatch(ctx, balancer.Request{
		URL:      b.DownloadURL,
		Name:     b.ReleaseName,
		Category: category,
		SavePath: b.SavePath,
		DlLimit:  b.DlLimit,
		UpLimit:  b.UpLimit,
		Paused:   b.Paused,
	})
	if err != nil {
		if errors.Is(err, balancer.ErrNoEligibleInstance) {
			return nil, huma.Error503ServiceUnavailable("no eligible instance for new tasks")
		}
		log.Error().Err(err).Str("release", b.ReleaseName).Msg("dispatch failed")
		return nil, huma.Error502BadGateway(err.Error())
	}

	return &ReceiveOutput{Body: ReceiveBody{
		Status:   "success",
		Instance: res.Instance,
		Hash:     res.Hash,
	}}, nil
}
