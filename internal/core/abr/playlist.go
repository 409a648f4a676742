// Package abr implements the ABR Controller (C7): playlist loading,
// pluggable bandwidth estimation, pluggable quality selection, and the
// quality-switch/seek/prefetch protocol of spec §4.7. Playlist parsing is
// grounded on the pack's github.com/mogiioin/hls-m3u8 library rather than
// a hand-rolled parser, replacing the teacher's own JSON-only manifest
// handling.
package abr

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mogiioin/hls-m3u8/m3u8"

	"swarmplayer/internal/core/domain"
	apperrors "swarmplayer/pkg/errors"
)

var segmentIDPattern = regexp.MustCompile(`seg_\d+\.[a-zA-Z0-9]+$`)

// ParseMasterPlaylist decodes raw master-playlist text into the domain's
// MasterPlaylist, one Quality per variant.
func ParseMasterPlaylist(stream domain.StreamID, raw []byte) (*domain.MasterPlaylist, map[domain.QualityID]string, error) {
	playlist, listType, err := m3u8.Decode(*bytes.NewBuffer(raw), false)
	if err != nil {
		return nil, nil, apperrors.NewProtocolViolationError(fmt.Sprintf("decode master playlist: %v", err))
	}
	if listType != m3u8.MASTER {
		return nil, nil, apperrors.NewProtocolViolationError("expected a master playlist")
	}
	master, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, nil, apperrors.NewInternalError("unexpected playlist decode result type")
	}

	qualities := make([]domain.Quality, 0, len(master.Variants))
	variantURIs := make(map[domain.QualityID]string, len(master.Variants))
	var defaultQuality domain.QualityID

	for _, v := range master.Variants {
		width, height := parseResolution(v.Resolution)
		id := qualityIDFor(v)
		qualities = append(qualities, domain.Quality{
			ID:        id,
			Bandwidth: int(v.Bandwidth),
			Width:     width,
			Height:    height,
			Codecs:    v.Codecs,
			FrameRate: v.FrameRate,
		})
		variantURIs[id] = v.URI
		if v.Name == "default" || defaultQuality == "" {
			// only an explicit "default" NAME sets the default; otherwise it
			// stays empty and the ABR Controller falls back to the
			// lowest-bandwidth quality.
			if v.Name == "default" {
				defaultQuality = id
			}
		}
	}
	if len(qualities) == 0 {
		return nil, nil, apperrors.NewProtocolViolationError("master playlist advertises no variants")
	}

	return &domain.MasterPlaylist{
		Stream:         stream,
		Qualities:      qualities,
		DefaultQuality: defaultQuality,
	}, variantURIs, nil
}

func qualityIDFor(v *m3u8.Variant) domain.QualityID {
	if v.Name != "" {
		return domain.QualityID(v.Name)
	}
	_, h := parseResolution(v.Resolution)
	if h > 0 {
		return domain.QualityID(fmt.Sprintf("%dp", h))
	}
	return domain.QualityID(fmt.Sprintf("%dbps", v.Bandwidth))
}

func parseResolution(res string) (int, int) {
	parts := strings.SplitN(res, "x", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	w, errW := strconv.Atoi(parts[0])
	h, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil {
		return 0, 0
	}
	return w, h
}

// ParseVariantPlaylist decodes a media (variant) playlist's raw text into
// the domain's VariantPlaylist, extracting each segment's id via the fixed
// seg_XXXX.ext pattern (a mismatch is a fatal parse error per spec §4.7).
func ParseVariantPlaylist(stream domain.StreamID, quality domain.Quality, raw []byte) (*domain.VariantPlaylist, error) {
	playlist, listType, err := m3u8.Decode(*bytes.NewBuffer(raw), false)
	if err != nil {
		return nil, apperrors.NewProtocolViolationError(fmt.Sprintf("decode variant playlist: %v", err))
	}
	if listType != m3u8.MEDIA {
		return nil, apperrors.NewProtocolViolationError("expected a media playlist")
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, apperrors.NewInternalError("unexpected playlist decode result type")
	}

	segments := make([]domain.SegmentDescriptor, 0, len(media.Segments))
	var cumulative float64
	for i, seg := range media.Segments {
		if seg == nil {
			continue
		}
		id := segmentIDPattern.FindString(seg.URI)
		if id == "" {
			return nil, apperrors.NewProtocolViolationError(fmt.Sprintf("segment uri %q does not match the seg_XXXX.ext pattern", seg.URI))
		}
		segments = append(segments, domain.SegmentDescriptor{
			Stream:    stream,
			Quality:   quality.ID,
			SegmentID: id,
			Index:     i,
			Duration:  seg.Duration,
			Timestamp: cumulative,
		})
		cumulative += seg.Duration
	}

	return &domain.VariantPlaylist{
		Quality:        quality,
		Segments:       segments,
		TargetDuration: float64(media.TargetDuration),
		TotalDuration:  cumulative,
	}, nil
}
