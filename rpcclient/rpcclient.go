// Package rpcclient is a client for the JSON-RPC server of a torrent.Session.
package rpcclient

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"strconv"

	"github.com/cenkalti/rainstream/internal/rpctypes"
	"github.com/powerman/rpc-codec/jsonrpc2"
)

// Client talks to the RPC server of a session over HTTP.
type Client struct {
	client *jsonrpc2.Client
	addr   string
}

// New returns a client for the server listening at host:port.
func New(host string, port int) *Client {
	addr := "http://" + net.JoinHostPort(host, strconv.Itoa(port))
	return &Client{
		client: jsonrpc2.NewHTTPClient(addr),
		addr:   addr,
	}
}

// Addr is the URL of the server.
func (c *Client) Addr() string {
	return c.addr
}

// Close the client.
func (c *Client) Close() error {
	return c.client.Close()
}

// Version returns the version of the server.
func (c *Client) Version() (string, error) {
	var reply string
	return reply, c.client.Call("Session.Version", struct{}{}, &reply)
}

// ListTorrents returns the active torrents ordered by the time they are added.
func (c *Client) ListTorrents() ([]rpctypes.Torrent, error) {
	var reply rpctypes.ListTorrentsResponse
	return reply.Torrents, c.client.Call("Session.ListTorrents", rpctypes.ListTorrentsRequest{}, &reply)
}

// AddTorrent adds the torrent file read from f.
func (c *Client) AddTorrent(f io.Reader, opt rpctypes.AddTorrentOptions) (*rpctypes.AddTorrentResponse, error) {
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	args := rpctypes.AddTorrentRequest{Torrent: base64.StdEncoding.EncodeToString(b), AddTorrentOptions: opt}
	var reply rpctypes.AddTorrentResponse
	return &reply, c.client.Call("Session.AddTorrent", args, &reply)
}

// AddURI adds a torrent from a magnet link, an HTTP URL or a file path on the server.
func (c *Client) AddURI(uri string, opt rpctypes.AddTorrentOptions) (*rpctypes.AddURIResponse, error) {
	args := rpctypes.AddURIRequest{URI: uri, AddTorrentOptions: opt}
	var reply rpctypes.AddURIResponse
	return &reply, c.client.Call("Session.AddURI", args, &reply)
}

func (c *Client) RemoveTorrent(id string, deleteFiles bool) error {
	args := rpctypes.RemoveTorrentRequest{ID: id, DeleteFiles: deleteFiles}
	var reply rpctypes.RemoveTorrentResponse
	return c.client.Call("Session.RemoveTorrent", args, &reply)
}

func (c *Client) GetTorrentStats(id string) (*rpctypes.Stats, error) {
	args := rpctypes.GetTorrentStatsRequest{ID: id}
	var reply rpctypes.GetTorrentStatsResponse
	return &reply.Stats, c.client.Call("Session.GetTorrentStats", args, &reply)
}

func (c *Client) GetTorrentFiles(id string) ([]rpctypes.File, error) {
	args := rpctypes.GetTorrentFilesRequest{ID: id}
	var reply rpctypes.GetTorrentFilesResponse
	return reply.Files, c.client.Call("Session.GetTorrentFiles", args, &reply)
}

func (c *Client) GetMagnet(id string, includePriorities bool) (string, error) {
	args := rpctypes.GetMagnetRequest{ID: id, IncludePriorities: includePriorities}
	var reply rpctypes.GetMagnetResponse
	return reply.Magnet, c.client.Call("Session.GetMagnet", args, &reply)
}

func (c *Client) PauseTorrent(id string) error {
	args := rpctypes.PauseTorrentRequest{ID: id}
	var reply rpctypes.PauseTorrentResponse
	return c.client.Call("Session.PauseTorrent", args, &reply)
}

func (c *Client) ResumeTorrent(id string) error {
	args := rpctypes.ResumeTorrentRequest{ID: id}
	var reply rpctypes.ResumeTorrentResponse
	return c.client.Call("Session.ResumeTorrent", args, &reply)
}

func (c *Client) PauseAll() error {
	var reply rpctypes.PauseAllResponse
	return c.client.Call("Session.PauseAll", rpctypes.PauseAllRequest{}, &reply)
}

func (c *Client) ResumeAll() error {
	var reply rpctypes.ResumeAllResponse
	return c.client.Call("Session.ResumeAll", rpctypes.ResumeAllRequest{}, &reply)
}

func (c *Client) SetFilePriorities(id string, priorities []int) error {
	args := rpctypes.SetFilePrioritiesRequest{ID: id, Priorities: priorities}
	var reply rpctypes.SetFilePrioritiesResponse
	return c.client.Call("Session.SetFilePriorities", args, &reply)
}

func (c *Client) MoveTorrent(id, dest string) error {
	args := rpctypes.MoveTorrentRequest{ID: id, Dest: dest}
	var reply rpctypes.MoveTorrentResponse
	return c.client.Call("Session.MoveTorrent", args, &reply)
}

func (c *Client) RecheckTorrent(id string) error {
	args := rpctypes.RecheckTorrentRequest{ID: id}
	var reply rpctypes.RecheckTorrentResponse
	return c.client.Call("Session.RecheckTorrent", args, &reply)
}

func (c *Client) ReannounceTorrent(id string) error {
	args := rpctypes.ReannounceTorrentRequest{ID: id}
	var reply rpctypes.ReannounceTorrentResponse
	return c.client.Call("Session.ReannounceTorrent", args, &reply)
}

// ResolveMagnet blocks until the server fetches the metadata of the magnet link.
func (c *Client) ResolveMagnet(uri string) (*rpctypes.MagnetInfo, error) {
	args := rpctypes.ResolveMagnetRequest{URI: uri}
	var reply rpctypes.ResolveMagnetResponse
	return &reply.Info, c.client.Call("Session.ResolveMagnet", args, &reply)
}

func (c *Client) CancelMagnet(id string) error {
	args := rpctypes.CancelMagnetRequest{ID: id}
	var reply rpctypes.CancelMagnetResponse
	return c.client.Call("Session.CancelMagnet", args, &reply)
}

func (c *Client) GetSessionStats() (*rpctypes.SessionStats, error) {
	var reply rpctypes.GetSessionStatsResponse
	return &reply.Stats, c.client.Call("Session.GetSessionStats", rpctypes.GetSessionStatsRequest{}, &reply)
}

// GetSettings decodes the session settings into v.
func (c *Client) GetSettings(v any) error {
	var reply rpctypes.GetSettingsResponse
	err := c.client.Call("Session.GetSettings", rpctypes.GetSettingsRequest{}, &reply)
	if err != nil {
		return err
	}
	return json.Unmarshal(reply.Settings, v)
}

// SetSettings encodes v as JSON and applies it as session settings. Missing fields keep their current values.
func (c *Client) SetSettings(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var reply rpctypes.SetSettingsResponse
	return c.client.Call("Session.SetSettings", rpctypes.SetSettingsRequest{Settings: b}, &reply)
}

func (c *Client) GetStreamURL(id string, file int) (string, error) {
	args := rpctypes.GetStreamURLRequest{ID: id, File: file}
	var reply rpctypes.GetStreamURLResponse
	return reply.URL, c.client.Call("Session.GetStreamURL", args, &reply)
}
