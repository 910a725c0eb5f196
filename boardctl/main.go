package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/goccy/go-yaml"

	"golang.org/x/term"

	"github.com/kordin33/whiteboard-sync/board"
)

const BoardCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

type Config struct {
	ApiUrl    string `yaml:"api_url"`
	WsUrl     string `yaml:"ws_url"`
	TokenPath string `yaml:"token_path"`
}

func defaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		ApiUrl:    "http://localhost:8000/api",
		WsUrl:     "http://localhost:8000",
		TokenPath: filepath.Join(home, ".boardctl.db"),
	}
}

func loadConfig() *Config {
	config := defaultConfig()
	home, err := os.UserHomeDir()
	if err != nil {
		return config
	}
	configBytes, err := os.ReadFile(filepath.Join(home, ".boardctl.yaml"))
	if err != nil {
		return config
	}
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		Err.Printf("config parse error: %s", err)
	}
	return config
}

func main() {
	usage := `Whiteboard control.

Usage:
    boardctl login --username=<username> [--password=<password>] [--api_url=<api_url>]
    boardctl register --username=<username> --email=<email> [--password=<password>] [--api_url=<api_url>]
    boardctl logout
    boardctl boards [--api_url=<api_url>]
    boardctl create-board --title=<title> [--api_url=<api_url>]
    boardctl export-board <board_id> [--api_url=<api_url>]
    boardctl elements <board_id> [--api_url=<api_url>]
    boardctl tail <board_id> [--ws_url=<ws_url>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --api_url=<api_url>      Backend api url.
    --ws_url=<ws_url>        Relay url.
    --username=<username>
    --email=<email>
    --password=<password>    Prompted when omitted.
    --title=<title>`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], BoardCtlVersion)
	if err != nil {
		panic(err)
	}

	config := loadConfig()
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		config.ApiUrl = apiUrl
	}
	if wsUrl, err := opts.String("--ws_url"); err == nil && wsUrl != "" {
		config.WsUrl = wsUrl
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(config, opts)
	} else if register_, _ := opts.Bool("register"); register_ {
		registerUser(config, opts)
	} else if logout_, _ := opts.Bool("logout"); logout_ {
		logout(config)
	} else if boards_, _ := opts.Bool("boards"); boards_ {
		boards(config)
	} else if createBoard_, _ := opts.Bool("create-board"); createBoard_ {
		createBoard(config, opts)
	} else if exportBoard_, _ := opts.Bool("export-board"); exportBoard_ {
		exportBoard(config, opts)
	} else if elements_, _ := opts.Bool("elements"); elements_ {
		elements(config, opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(config, opts)
	}
}

func newApi(config *Config) (*board.Api, *board.FileTokenStore) {
	tokenStore, err := board.NewFileTokenStore(config.TokenPath)
	if err != nil {
		Err.Fatalf("token store error: %s", err)
	}
	return board.NewApi(context.Background(), config.ApiUrl, tokenStore), tokenStore
}

func password(opts docopt.Opts) string {
	if password, err := opts.String("--password"); err == nil && password != "" {
		return password
	}
	fmt.Fprint(os.Stderr, "password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("password read error: %s", err)
	}
	return strings.TrimSpace(string(passwordBytes))
}

func boardIdArg(opts docopt.Opts) int64 {
	boardIdStr, err := opts.String("<board_id>")
	if err != nil {
		Err.Fatalf("missing board_id")
	}
	boardId, err := strconv.ParseInt(boardIdStr, 10, 64)
	if err != nil {
		Err.Fatalf("bad board_id %s", boardIdStr)
	}
	return boardId
}

func login(config *Config, opts docopt.Opts) {
	api, tokenStore := newApi(config)
	defer tokenStore.Close()

	username, _ := opts.String("--username")
	result, err := api.AuthLoginSync(&board.AuthLoginArgs{
		Username: username,
		Password: password(opts),
	}, nil)
	if err != nil {
		Err.Fatalf("login error: %s", err)
	}
	if result.User != nil {
		Out.Printf("logged in as %s", result.User.Username)
	} else {
		Out.Printf("logged in")
	}
}

func registerUser(config *Config, opts docopt.Opts) {
	api, tokenStore := newApi(config)
	defer tokenStore.Close()

	username, _ := opts.String("--username")
	email, _ := opts.String("--email")
	result, err := api.AuthRegisterSync(&board.AuthRegisterArgs{
		Username: username,
		Email:    email,
		Password: password(opts),
	}, nil)
	if err != nil {
		Err.Fatalf("register error: %s", err)
	}
	if result.User != nil {
		Out.Printf("registered as %s", result.User.Username)
	} else {
		Out.Printf("registered")
	}
}

func logout(config *Config) {
	api, tokenStore := newApi(config)
	defer tokenStore.Close()

	api.Logout()
	Out.Printf("logged out")
}

func boards(config *Config) {
	api, tokenStore := newApi(config)
	defer tokenStore.Close()

	boards, err := api.BoardsSync(nil)
	if err != nil {
		Err.Fatalf("boards error: %s", err)
	}
	for _, b := range boards {
		Out.Printf("%d\t%s", b.Id, b.Title)
	}
}

func createBoard(config *Config, opts docopt.Opts) {
	api, tokenStore := newApi(config)
	defer tokenStore.Close()

	title, _ := opts.String("--title")
	b, err := api.CreateBoardSync(&board.CreateBoardArgs{
		Title: title,
	}, nil)
	if err != nil {
		Err.Fatalf("create board error: %s", err)
	}
	Out.Printf("%d\t%s", b.Id, b.Title)
}

func exportBoard(config *Config, opts docopt.Opts) {
	api, tokenStore := newApi(config)
	defer tokenStore.Close()

	state, err := api.ExportBoardStateSync(boardIdArg(opts), nil)
	if err != nil {
		Err.Fatalf("export error: %s", err)
	}
	stateYaml, err := yaml.Marshal(state)
	if err != nil {
		Err.Fatalf("encode error: %s", err)
	}
	Out.Printf("%s", stateYaml)
}

func elements(config *Config, opts docopt.Opts) {
	api, tokenStore := newApi(config)
	defer tokenStore.Close()

	elements, err := api.ElementsSync(boardIdArg(opts), nil)
	if err != nil {
		Err.Fatalf("elements error: %s", err)
	}
	for _, element := range elements {
		Out.Printf("%d\t%s\t(%g,%g)\t%s", element.Id, element.ElementType, element.PositionX, element.PositionY, element.Content)
	}
}

// tail connects to the board's broadcast stream and prints every event
// until interrupted.
func tail(config *Config, opts docopt.Opts) {
	tokenStore, err := board.NewFileTokenStore(config.TokenPath)
	if err != nil {
		Err.Fatalf("token store error: %s", err)
	}
	defer tokenStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := board.NewDispatcher()
	dispatcher.Subscribe(board.EventRawMessage, func(event *board.Event) {
		Out.Printf("%s", event.Raw)
	})
	dispatcher.Subscribe(board.EventConnectionStatus, func(event *board.Event) {
		status := event.Status
		if status.Connected {
			Err.Printf("connected")
		} else if status.Terminal {
			Err.Fatalf("connection lost: code=%d reason=%s", status.Code, status.Reason)
		} else {
			Err.Printf("disconnected: code=%d reason=%s attempt=%d", status.Code, status.Reason, status.Attempt)
		}
	})

	conn := board.NewConnectionManagerWithDefaults(ctx, config.WsUrl, tokenStore, dispatcher)
	defer conn.Close()
	conn.Connect(boardIdArg(opts))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	conn.Disconnect()
}
