package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cenkalti/log"
	"github.com/cenkalti/rainstream/internal/engine/anacrolixengine"
	"github.com/cenkalti/rainstream/internal/jsonutil"
	"github.com/cenkalti/rainstream/internal/logger"
	"github.com/cenkalti/rainstream/internal/rpctypes"
	"github.com/cenkalti/rainstream/rpcclient"
	"github.com/cenkalti/rainstream/torrent"
	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"
)

var (
	app = cli.NewApp()
	clt *rpcclient.Client
	l   = logger.New("rainstream")
)

func main() {
	app.Version = torrent.Version
	app.Usage = "BitTorrent session with HTTP streaming"
	app.EnableBashCompletion = true
	app.Commands = []cli.Command{
		{
			Name:   "server",
			Usage:  "run the session in foreground",
			Action: handleServer,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config,c",
					Usage: "read config from `FILE`",
					Value: "~/rainstream.yaml",
				},
				cli.StringFlag{
					Name:  "log-level",
					Usage: "override log level in config (debug, info, warning, error)",
				},
				cli.BoolFlag{
					Name:  "debug",
					Usage: "enable debug log",
				},
			},
		},
		{
			Name:  "client",
			Usage: "send rpc request to server",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "host",
					Value: torrent.DefaultConfig.RPCHost,
				},
				cli.IntFlag{
					Name:  "port",
					Value: torrent.DefaultConfig.RPCPort,
				},
			},
			Before: handleBeforeClient,
			After:  handleAfterClient,
			Subcommands: []cli.Command{
				{
					Name:   "version",
					Usage:  "server version",
					Action: handleVersion,
				},
				{
					Name:   "list",
					Usage:  "list torrents",
					Action: handleList,
				},
				{
					Name:      "add",
					Usage:     "add torrent from file path, http url or magnet link",
					ArgsUsage: "URI",
					Action:    handleAdd,
					Flags: []cli.Flag{
						cli.BoolFlag{Name: "stopped", Usage: "do not start torrent after adding"},
						cli.BoolFlag{Name: "sequential", Usage: "download pieces in order"},
						cli.StringFlag{Name: "dest", Usage: "download directory"},
					},
				},
				{
					Name:      "remove",
					Usage:     "remove torrent",
					ArgsUsage: "ID",
					Action:    handleRemove,
					Flags: []cli.Flag{
						cli.BoolFlag{Name: "delete-files", Usage: "delete downloaded data"},
					},
				},
				{
					Name:      "stats",
					Usage:     "get stats of torrent",
					ArgsUsage: "ID",
					Action:    handleStats,
				},
				{
					Name:      "files",
					Usage:     "get files of torrent",
					ArgsUsage: "ID",
					Action:    handleFiles,
				},
				{
					Name:      "magnet",
					Usage:     "get magnet link of torrent",
					ArgsUsage: "ID",
					Action:    handleMagnet,
					Flags: []cli.Flag{
						cli.BoolFlag{Name: "priorities", Usage: "include selected files"},
					},
				},
				{
					Name:      "pause",
					Usage:     "pause torrent",
					ArgsUsage: "ID",
					Action:    handlePause,
				},
				{
					Name:      "resume",
					Usage:     "resume torrent",
					ArgsUsage: "ID",
					Action:    handleResume,
				},
				{
					Name:   "pause-all",
					Usage:  "pause all torrents",
					Action: handlePauseAll,
				},
				{
					Name:   "resume-all",
					Usage:  "resume all torrents",
					Action: handleResumeAll,
				},
				{
					Name:      "priorities",
					Usage:     "set file priorities (0-7) of torrent",
					ArgsUsage: "ID PRIORITY...",
					Action:    handlePriorities,
				},
				{
					Name:      "move",
					Usage:     "move torrent data to another directory",
					ArgsUsage: "ID DEST",
					Action:    handleMove,
				},
				{
					Name:      "recheck",
					Usage:     "verify downloaded data",
					ArgsUsage: "ID",
					Action:    handleRecheck,
				},
				{
					Name:      "reannounce",
					Usage:     "announce to trackers now",
					ArgsUsage: "ID",
					Action:    handleReannounce,
				},
				{
					Name:      "resolve",
					Usage:     "fetch metadata of magnet link without adding it",
					ArgsUsage: "MAGNET",
					Action:    handleResolve,
				},
				{
					Name:      "cancel",
					Usage:     "cancel metadata fetch of magnet link",
					ArgsUsage: "MAGNET|INFOHASH",
					Action:    handleCancel,
				},
				{
					Name:   "session-stats",
					Usage:  "get stats of session",
					Action: handleSessionStats,
				},
				{
					Name:   "settings",
					Usage:  "get session settings",
					Action: handleGetSettings,
				},
				{
					Name:      "set",
					Usage:     "change a session setting",
					ArgsUsage: "NAME VALUE",
					Action:    handleSetSetting,
				},
				{
					Name:      "stream-url",
					Usage:     "get http address of a file in torrent",
					ArgsUsage: "ID FILE_INDEX",
					Action:    handleStreamURL,
				},
			},
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func handleServer(c *cli.Context) error {
	configPath, err := homedir.Expand(c.String("config"))
	if err != nil {
		return err
	}
	cfg, err := torrent.LoadConfig(configPath)
	if err != nil {
		return err
	}
	levelName := cfg.LogLevel
	if c.IsSet("log-level") {
		levelName = c.String("log-level")
	}
	if c.Bool("debug") {
		levelName = "debug"
	}
	level, err := logger.ParseLevel(levelName)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	dataDir, err := homedir.Expand(cfg.DataDir)
	if err != nil {
		return err
	}
	eng := anacrolixengine.New(filepath.Join(dataDir, ".engine"))
	ses, err := torrent.New(*cfg, eng)
	if err != nil {
		return err
	}
	if err = ses.Start(); err != nil {
		_ = ses.Close()
		return err
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	s := <-ch
	l.Infoln("received", s, "signal, stopping server")
	signal.Stop(ch)

	return ses.Close()
}

func handleBeforeClient(c *cli.Context) error {
	clt = rpcclient.New(c.String("host"), c.Int("port"))
	return nil
}

func handleAfterClient(c *cli.Context) error {
	if clt != nil {
		return clt.Close()
	}
	return nil
}

func printJSON(v any) error {
	b, err := jsonutil.MarshalCompactPretty(v)
	if err != nil {
		return err
	}
	_, _ = os.Stdout.Write(b)
	return nil
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() < n {
		return fmt.Errorf("%s needs %d argument(s): %s", c.Command.Name, n, c.Command.ArgsUsage)
	}
	return nil
}

func handleVersion(c *cli.Context) error {
	v, err := clt.Version()
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func handleList(c *cli.Context) error {
	torrents, err := clt.ListTorrents()
	if err != nil {
		return err
	}
	for _, t := range torrents {
		if err = printJSON(t); err != nil {
			return err
		}
		fmt.Println()
	}
	return nil
}

func handleAdd(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	opt := rpctypes.AddTorrentOptions{
		Stopped:    c.Bool("stopped"),
		Sequential: c.Bool("sequential"),
		Dest:       c.String("dest"),
	}
	resp, err := clt.AddURI(c.Args().Get(0), opt)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func handleRemove(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return clt.RemoveTorrent(c.Args().Get(0), c.Bool("delete-files"))
}

func handleStats(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	s, err := clt.GetTorrentStats(c.Args().Get(0))
	if err != nil {
		return err
	}
	return printJSON(s)
}

func handleFiles(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	files, err := clt.GetTorrentFiles(c.Args().Get(0))
	if err != nil {
		return err
	}
	for i, f := range files {
		fmt.Printf("#%d\n", i)
		if err = printJSON(f); err != nil {
			return err
		}
	}
	return nil
}

func handleMagnet(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	m, err := clt.GetMagnet(c.Args().Get(0), c.Bool("priorities"))
	if err != nil {
		return err
	}
	fmt.Println(m)
	return nil
}

func handlePause(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return clt.PauseTorrent(c.Args().Get(0))
}

func handleResume(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return clt.ResumeTorrent(c.Args().Get(0))
}

func handlePauseAll(c *cli.Context) error {
	return clt.PauseAll()
}

func handleResumeAll(c *cli.Context) error {
	return clt.ResumeAll()
}

func handlePriorities(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	args := c.Args()
	prios := make([]int, 0, len(args)-1)
	for _, s := range args[1:] {
		p, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid priority %q: %w", s, err)
		}
		prios = append(prios, p)
	}
	return clt.SetFilePriorities(args.Get(0), prios)
}

func handleMove(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	return clt.MoveTorrent(c.Args().Get(0), c.Args().Get(1))
}

func handleRecheck(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return clt.RecheckTorrent(c.Args().Get(0))
}

func handleReannounce(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return clt.ReannounceTorrent(c.Args().Get(0))
}

func handleResolve(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	info, err := clt.ResolveMagnet(c.Args().Get(0))
	if err != nil {
		return err
	}
	return printJSON(info)
}

func handleCancel(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return clt.CancelMagnet(c.Args().Get(0))
}

func handleSessionStats(c *cli.Context) error {
	s, err := clt.GetSessionStats()
	if err != nil {
		return err
	}
	return printJSON(s)
}

func handleGetSettings(c *cli.Context) error {
	var s torrent.Settings
	if err := clt.GetSettings(&s); err != nil {
		return err
	}
	return printJSON(s)
}

// handleSetSetting sends a single key. Values that parse as JSON numbers or booleans are sent as such.
func handleSetSetting(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	name, raw := c.Args().Get(0), c.Args().Get(1)
	var value any = raw
	if i, err := strconv.Atoi(raw); err == nil {
		value = i
	} else if b, err := strconv.ParseBool(raw); err == nil {
		value = b
	}
	if name == "" {
		return errors.New("empty setting name")
	}
	return clt.SetSettings(map[string]any{name: value})
}

func handleStreamURL(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	index, err := strconv.Atoi(c.Args().Get(1))
	if err != nil {
		return err
	}
	u, err := clt.GetStreamURL(c.Args().Get(0), index)
	if err != nil {
		return err
	}
	fmt.Println(u)
	return nil
}
