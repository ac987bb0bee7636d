package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/42wim/mattercomments/bridge"
	"github.com/42wim/mattercomments/bridge/matrix"
	"github.com/42wim/mattercomments/config"
	"github.com/42wim/mattercomments/pkg/locator"
	"github.com/42wim/mattercomments/pkg/render"
	"github.com/42wim/mattercomments/pkg/session"
	"github.com/google/gops/agent"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var (
	version = "0.1.0"
	githash string
	logger  *logrus.Entry
)

func main() {
	flagConfig := flag.String("config", "", "config file")
	flagDebug := flag.Bool("debug", false, "enable debug logging")
	flagTrace := flag.Bool("trace", false, "enable trace logging (dumps homeserver answers)")
	flagGops := flag.Bool("gops", false, "enable gops agent")
	flagVersion := flag.Bool("version", false, "show version")
	flagRegister := flag.Bool("register", false, "start over as a new guest")
	flagLogin := flag.String("login", "", "log in as this user (password from --password or MATTERCOMMENTS_PASSWORD)")
	flagPassword := flag.String("password", "", "password for --login")
	flagLogout := flag.Bool("logout", false, "log out and forget the stored session")
	flagMore := flag.Int("more", 0, "load this many extra pages of older comments")
	flagPost := flag.String("post", "", "post a comment")
	flagHTML := flag.Bool("html", false, "print comments as HTML")
	flagMatrixTo := flag.Bool("matrixto", false, "print the matrix.to link of the comment room and exit")
	flag.Parse()

	ourlog := logrus.New()
	ourlog.SetFormatter(&prefixed.TextFormatter{PrefixPadding: 14, FullTimestamp: true})
	logger = ourlog.WithFields(logrus.Fields{"prefix": "main"})

	if *flagVersion {
		fmt.Printf("version: %s %s\n", version, githash)
		return
	}

	if *flagDebug {
		logger.Info("enabling debug")
		ourlog.SetLevel(logrus.DebugLevel)
	}

	if *flagTrace {
		logger.Info("enabling trace")
		ourlog.SetLevel(logrus.TraceLevel)
	}

	// package level loggers hang off the standard logger
	logrus.SetFormatter(ourlog.Formatter)
	logrus.SetLevel(ourlog.GetLevel())

	config.Logger = ourlog.WithFields(logrus.Fields{"prefix": "config"})
	session.Logger = ourlog.WithFields(logrus.Fields{"prefix": "session"})

	if *flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			logger.Error(err)
		}
	}

	v, err := config.LoadConfig(*flagConfig)
	if err != nil {
		logger.Fatal(err)
	}

	v.Set("debug", *flagDebug)
	v.Set("trace", *flagTrace)

	cfg, err := config.Decode(v)
	if err != nil {
		logger.Fatal(err)
	}

	if *flagMatrixTo {
		fmt.Println(locator.MatrixDotToURL(cfg.RoomAlias()))
		return
	}

	store, err := session.OpenStore(cfg.SessionDB)
	if err != nil {
		logger.Fatal(err)
	}
	defer store.Close()

	m, err := matrix.New(v, store)
	if err != nil {
		logger.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	password := *flagPassword
	if password == "" {
		password = os.Getenv("MATTERCOMMENTS_PASSWORD")
	}

	err = run(ctx, m, actions{
		register: *flagRegister,
		login:    *flagLogin,
		password: password,
		logout:   *flagLogout,
		more:     *flagMore,
		post:     *flagPost,
	})

	if err == nil && !*flagLogout {
		printComments(m, *flagHTML)
	}

	printErrors(m)

	if err != nil {
		stop()
		store.Close()
		os.Exit(1)
	}
}

type actions struct {
	register bool
	login    string
	password string
	logout   bool
	more     int
	post     string
}

func run(ctx context.Context, m *matrix.Matrix, a actions) error {
	if a.logout {
		return m.Logout(ctx)
	}

	var err error

	switch {
	case a.register:
		err = m.Register(ctx)
	case a.login != "":
		err = m.Login(ctx, bridge.Credentials{Login: a.login, Pass: a.password})
	default:
		err = m.Start(ctx)
	}

	if err != nil {
		return err
	}

	for i := 0; i < a.more && !m.Exhausted(); i++ {
		if err := m.LoadMore(ctx); err != nil {
			return err
		}
	}

	if a.post != "" {
		if err := m.Post(ctx, a.post); err != nil {
			return err
		}
		logger.Debugf("sent: %s", strings.Join(m.GetLastSentMsgs(), ", "))
	}

	return nil
}

func printComments(m *matrix.Matrix, asHTML bool) {
	cfg := m.Config()
	r := render.New(m.Locator(), render.Options{
		Policy:             cfg.SanitizePolicy(),
		Width:              cfg.Render.Width,
		SyntaxHighlighting: cfg.Render.SyntaxHighlighting,
	})

	comments := m.Comments()
	if len(comments) == 0 {
		fmt.Println("No comments yet.")
	}

	for _, c := range comments {
		if !asHTML {
			fmt.Println(r.CommentText(c))
			fmt.Println()
			continue
		}

		out, err := r.CommentHTML(c)
		if err != nil {
			logger.Errorf("rendering %s: %s", c.ID, err)
			continue
		}
		fmt.Println(out)
	}

	if m.Exhausted() {
		fmt.Println("(start of the conversation)")
	}

	fmt.Printf("Join the discussion: %s\n", m.MatrixToURL())
}

func printErrors(m *matrix.Matrix) {
	for _, err := range m.Errors() {
		fmt.Fprintf(os.Stderr, "%s: %s\n", bridge.Kind(err), err)
	}
}
