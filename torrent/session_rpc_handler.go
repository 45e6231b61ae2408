package torrent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/rainstream/internal/rpctypes"
	"github.com/powerman/rpc-codec/jsonrpc2"
)

// Error codes returned from the RPC server.
const (
	codeTorrentNotFound = iota + 1
	codeInput
	codeValidation
	codeResource
	codeTimeout
	codeSessionStopped
	codeFileNotFound
	codeCancelled
)

var errTorrentNotFound = jsonrpc2.NewError(codeTorrentNotFound, ErrTorrentNotFound.Error())

// rpcError converts errors of the session into JSON-RPC errors with distinct codes.
func rpcError(err error) error {
	if err == nil {
		return nil
	}
	var (
		ie *InputError
		ve *ValidationError
		re *ResourceError
		te *TimeoutError
	)
	switch {
	case errors.Is(err, ErrTorrentNotFound):
		return errTorrentNotFound
	case errors.Is(err, ErrFileNotFound):
		return jsonrpc2.NewError(codeFileNotFound, err.Error())
	case errors.Is(err, ErrSessionStopped):
		return jsonrpc2.NewError(codeSessionStopped, err.Error())
	case errors.Is(err, ErrMagnetCancelled):
		return jsonrpc2.NewError(codeCancelled, err.Error())
	case errors.As(err, &ie):
		return jsonrpc2.NewError(codeInput, err.Error())
	case errors.As(err, &ve):
		return jsonrpc2.NewError(codeValidation, err.Error())
	case errors.As(err, &re):
		return jsonrpc2.NewError(codeResource, err.Error())
	case errors.As(err, &te):
		return jsonrpc2.NewError(codeTimeout, err.Error())
	}
	return err
}

type rpcHandler struct {
	session *Session
}

func (h *rpcHandler) torrent(id string) (*Torrent, error) {
	t := h.session.GetTorrent(id)
	if t == nil {
		return nil, errTorrentNotFound
	}
	return t, nil
}

func (h *rpcHandler) Version(args struct{}, reply *string) error {
	*reply = Version
	return nil
}

func (h *rpcHandler) ListTorrents(args *rpctypes.ListTorrentsRequest, reply *rpctypes.ListTorrentsResponse) error {
	torrents := h.session.ListTorrents()
	reply.Torrents = make([]rpctypes.Torrent, 0, len(torrents))
	for _, t := range torrents {
		reply.Torrents = append(reply.Torrents, newRPCTorrent(t))
	}
	return nil
}

func newRPCTorrent(t *Torrent) rpctypes.Torrent {
	return rpctypes.Torrent{
		ID:       t.ID(),
		Name:     t.Name(),
		InfoHash: t.ID(),
		State:    t.State().String(),
		Progress: t.Progress(),
		AddedAt:  rpctypes.Time{Time: t.AddedAt()},
	}
}

func addOptions(o rpctypes.AddTorrentOptions) *AddTorrentOptions {
	opt := &AddTorrentOptions{
		Stopped:    o.Stopped,
		Dest:       o.Dest,
		Sequential: o.Sequential,
	}
	if o.Priorities != nil {
		opt.Priorities = toPriorities(o.Priorities)
	}
	return opt
}

func addResponse(res AddResult, reply *rpctypes.AddTorrentResponse) {
	reply.Outcome = res.Outcome.String()
	if res.Torrent != nil {
		t := newRPCTorrent(res.Torrent)
		reply.Torrent = &t
	}
	if res.Err != nil {
		msg := res.Err.Error()
		reply.Error = &msg
	}
}

func (h *rpcHandler) AddTorrent(args *rpctypes.AddTorrentRequest, reply *rpctypes.AddTorrentResponse) error {
	r := base64.NewDecoder(base64.StdEncoding, strings.NewReader(args.Torrent))
	res, err := h.session.AddTorrent(context.Background(), r, addOptions(args.AddTorrentOptions))
	if err != nil {
		return rpcError(err)
	}
	addResponse(res, reply)
	return nil
}

func (h *rpcHandler) AddURI(args *rpctypes.AddURIRequest, reply *rpctypes.AddURIResponse) error {
	res, err := h.session.AddURI(context.Background(), args.URI, addOptions(args.AddTorrentOptions))
	if err != nil {
		return rpcError(err)
	}
	addResponse(res, reply)
	return nil
}

func (h *rpcHandler) RemoveTorrent(args *rpctypes.RemoveTorrentRequest, reply *rpctypes.RemoveTorrentResponse) error {
	return rpcError(h.session.RemoveTorrent(args.ID, args.DeleteFiles))
}

func (h *rpcHandler) GetTorrentStats(args *rpctypes.GetTorrentStatsRequest, reply *rpctypes.GetTorrentStatsResponse) error {
	t, err := h.torrent(args.ID)
	if err != nil {
		return err
	}
	s := t.Stats()
	var errStr *string
	if s.Error != "" {
		errStr = &s.Error
	}
	var eta *int64
	if s.ETA >= 0 {
		eta = &s.ETA
	}
	reply.Stats = rpctypes.Stats{
		ID:                  s.ID,
		Name:                s.Name,
		InfoHash:            s.InfoHash,
		State:               s.State.String(),
		Progress:            s.Progress,
		Error:               errStr,
		Paused:              s.Paused,
		Sequential:          s.Sequential,
		DownloadingMetadata: s.DownloadingMetadata,
		Dest:                s.Dest,
		AddedAt:             rpctypes.Time{Time: s.AddedAt},
		Peers:               s.Peers,
		Seeds:               s.Seeds,
		TotalPeers:          s.TotalPeers,
		TotalSeeds:          s.TotalSeeds,
		ETA:                 eta,
		ShareRatio:          s.ShareRatio,
		Availability:        s.Availability,
		ActiveTime:          int(s.ActiveTime / time.Second),
		SeedingTime:         int(s.SeedingTime / time.Second),
	}
	reply.Stats.Pieces.Have = s.Pieces.Have
	reply.Stats.Pieces.Total = s.Pieces.Total
	reply.Stats.Bytes.Total = s.Bytes.Total
	reply.Stats.Bytes.Wanted = s.Bytes.Wanted
	reply.Stats.Bytes.Completed = s.Bytes.Completed
	reply.Stats.Bytes.WantedCompleted = s.Bytes.WantedCompleted
	reply.Stats.Bytes.Downloaded = s.Bytes.Downloaded
	reply.Stats.Bytes.Uploaded = s.Bytes.Uploaded
	reply.Stats.Speed.Download = s.Speed.Download
	reply.Stats.Speed.Upload = s.Speed.Upload
	return nil
}

func (h *rpcHandler) GetTorrentFiles(args *rpctypes.GetTorrentFilesRequest, reply *rpctypes.GetTorrentFilesResponse) error {
	t, err := h.torrent(args.ID)
	if err != nil {
		return err
	}
	files := t.Files()
	avail := t.FilesAvailability()
	reply.Files = make([]rpctypes.File, len(files))
	for i, f := range files {
		reply.Files[i] = rpctypes.File{
			Path:         f.Path,
			Length:       f.Length,
			Done:         f.Done,
			Priority:     int(f.Priority),
			Availability: -1,
		}
		if i < len(avail) {
			reply.Files[i].Availability = avail[i]
		}
	}
	return nil
}

func (h *rpcHandler) GetMagnet(args *rpctypes.GetMagnetRequest, reply *rpctypes.GetMagnetResponse) error {
	t, err := h.torrent(args.ID)
	if err != nil {
		return err
	}
	reply.Magnet, err = t.Magnet(args.IncludePriorities)
	return err
}

func (h *rpcHandler) PauseTorrent(args *rpctypes.PauseTorrentRequest, reply *rpctypes.PauseTorrentResponse) error {
	t, err := h.torrent(args.ID)
	if err != nil {
		return err
	}
	t.Pause()
	return nil
}

func (h *rpcHandler) ResumeTorrent(args *rpctypes.ResumeTorrentRequest, reply *rpctypes.ResumeTorrentResponse) error {
	t, err := h.torrent(args.ID)
	if err != nil {
		return err
	}
	t.Resume()
	return nil
}

func (h *rpcHandler) PauseAll(args *rpctypes.PauseAllRequest, reply *rpctypes.PauseAllResponse) error {
	h.session.PauseAll()
	return nil
}

func (h *rpcHandler) ResumeAll(args *rpctypes.ResumeAllRequest, reply *rpctypes.ResumeAllResponse) error {
	h.session.ResumeAll()
	return nil
}

func (h *rpcHandler) SetFilePriorities(args *rpctypes.SetFilePrioritiesRequest, reply *rpctypes.SetFilePrioritiesResponse) error {
	t, err := h.torrent(args.ID)
	if err != nil {
		return err
	}
	return rpcError(t.SetFilePriorities(toPriorities(args.Priorities)))
}

func (h *rpcHandler) MoveTorrent(args *rpctypes.MoveTorrentRequest, reply *rpctypes.MoveTorrentResponse) error {
	t, err := h.torrent(args.ID)
	if err != nil {
		return err
	}
	return rpcError(t.Move(args.Dest))
}

func (h *rpcHandler) RecheckTorrent(args *rpctypes.RecheckTorrentRequest, reply *rpctypes.RecheckTorrentResponse) error {
	t, err := h.torrent(args.ID)
	if err != nil {
		return err
	}
	t.Recheck()
	return nil
}

func (h *rpcHandler) ReannounceTorrent(args *rpctypes.ReannounceTorrentRequest, reply *rpctypes.ReannounceTorrentResponse) error {
	t, err := h.torrent(args.ID)
	if err != nil {
		return err
	}
	t.Reannounce()
	return nil
}

func (h *rpcHandler) ResolveMagnet(args *rpctypes.ResolveMagnetRequest, reply *rpctypes.ResolveMagnetResponse) error {
	info, err := h.session.ResolveMagnet(context.Background(), args.URI)
	if err != nil {
		return rpcError(err)
	}
	reply.Info = rpctypes.MagnetInfo{
		InfoHash:  info.InfoHash,
		Name:      info.Name,
		TotalSize: info.TotalSize,
		Files:     make([]rpctypes.File, len(info.Files)),
	}
	for i, f := range info.Files {
		reply.Info.Files[i] = rpctypes.File{Path: f.Path, Length: f.Length, Priority: int(f.Priority), Availability: -1}
	}
	return nil
}

func (h *rpcHandler) CancelMagnet(args *rpctypes.CancelMagnetRequest, reply *rpctypes.CancelMagnetResponse) error {
	return rpcError(h.session.CancelMagnet(args.ID))
}

func (h *rpcHandler) GetSessionStats(args *rpctypes.GetSessionStatsRequest, reply *rpctypes.GetSessionStatsResponse) error {
	s := h.session.Stats()
	reply.Stats = rpctypes.SessionStats{
		Running:         s.Running,
		Paused:          s.Paused,
		Torrents:        s.Torrents,
		MagnetsInFlight: s.MagnetsInFlight,
		PendingAdds:     s.PendingAdds,
		RestoreQueue:    s.RestoreQueue,
		DHTNodes:        s.DHTNodes,
		Uptime:          int(s.Uptime / time.Second),
		DownloadSpeed:   s.DownloadSpeed,
		UploadSpeed:     s.UploadSpeed,
	}
	return nil
}

func (h *rpcHandler) GetSettings(args *rpctypes.GetSettingsRequest, reply *rpctypes.GetSettingsResponse) error {
	b, err := json.Marshal(h.session.Settings())
	if err != nil {
		return err
	}
	reply.Settings = b
	return nil
}

func (h *rpcHandler) SetSettings(args *rpctypes.SetSettingsRequest, reply *rpctypes.SetSettingsResponse) error {
	settings, err := decodeSettings(args.Settings, h.session.Settings())
	if err != nil {
		return jsonrpc2.NewError(codeValidation, err.Error())
	}
	return rpcError(h.session.ApplySettings(settings))
}

func (h *rpcHandler) GetStreamURL(args *rpctypes.GetStreamURLRequest, reply *rpctypes.GetStreamURLResponse) error {
	var err error
	reply.URL, err = h.session.StreamURL(args.ID, args.File)
	return rpcError(err)
}
