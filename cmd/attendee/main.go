// Package main is a terminal client for ultrasonic attendance: teachers start, end and
// broadcast sessions; students listen for the tones and mark themselves present.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/electrothon/attendance/config"
	"github.com/electrothon/attendance/internal/attendance"
	"github.com/electrothon/attendance/internal/detection"
	"github.com/electrothon/attendance/internal/protocol"
	"github.com/electrothon/attendance/internal/socket"
)

const usage = `usage: attendee <command> [flags]

commands:
  login           -email -password        print a token for ATTENDANCE_TOKEN
  teacher start   -class -session [-play] start a session and follow updates
  teacher end     -class -session         end a session
  teacher play    -class                  play the class frequencies
  student listen  -class                  detect the tones and mark present
  fetch           -class -date -session   print a day's attendance
`

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := newLogger(os.Getenv("ATTENDEE_DEBUG") != "")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &app{cfg: cfg, logger: logger, api: newAPIClient(cfg.Client.ServerURL, os.Getenv("ATTENDANCE_TOKEN"))}
	if err := app.run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "attendee:", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.OutputPaths = []string{"stderr"}
	if !debug {
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, _ := config.Build()
	return logger
}

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	api    *apiClient
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return flag.ErrHelp
	}
	switch args[0] {
	case "login":
		return a.login(ctx, args[1:])
	case "fetch":
		return a.fetch(ctx, args[1:])
	case "teacher", "student":
		if len(args) < 2 {
			fmt.Fprint(os.Stderr, usage)
			return flag.ErrHelp
		}
		switch args[0] + " " + args[1] {
		case "teacher start":
			return a.teacherStart(ctx, args[2:])
		case "teacher end":
			return a.teacherEnd(ctx, args[2:])
		case "teacher play":
			return a.teacherPlay(ctx, args[2:])
		case "student listen":
			return a.studentListen(ctx, args[2:])
		}
	}
	fmt.Fprint(os.Stderr, usage)
	return flag.ErrHelp
}

// sessionFlags parses the flags shared by the session commands.
type sessionFlags struct {
	classID string
	session string
	date    string
	play    bool
}

func parseFlags(name string, args []string, withDate, withPlay bool) (*sessionFlags, error) {
	f := &sessionFlags{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.classID, "class", "", "class ID")
	fs.StringVar(&f.session, "session", string(protocol.SessionLecture), "session type: lecture or lab")
	if withDate {
		fs.StringVar(&f.date, "date", time.Now().UTC().Format("2006-01-02"), "day in YYYY-MM-DD (UTC)")
	}
	if withPlay {
		fs.BoolVar(&f.play, "play", false, "play the frequencies after starting")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.classID == "" {
		return nil, errors.New("-class is required")
	}
	if f.session != string(protocol.SessionLecture) && f.session != string(protocol.SessionLab) {
		return nil, fmt.Errorf("unknown session type %q", f.session)
	}
	return f, nil
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", os.Getenv("ATTENDANCE_PASSWORD"), "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return errors.New("-email and -password are required")
	}
	res, err := a.api.login(ctx, *email, *password)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "logged in as %s (%s)\n", res.User.FullName, res.User.Role)
	fmt.Printf("export ATTENDANCE_TOKEN=%s\n", res.Token)
	return nil
}

// connection is an initialized socket with the binding for one class.
type connection struct {
	user    socket.User
	manager *socket.Manager
	binding *attendance.Binding
}

func (c *connection) close() {
	c.binding.Close()
	_ = c.manager.Disconnect()
}

// connect resolves the current user, opens the socket and binds to the class. It waits for the first connect.
func (a *app) connect(ctx context.Context, classID string) (*connection, error) {
	me, err := a.api.me(ctx)
	if err != nil {
		return nil, err
	}
	opts := socket.DefaultOptions(a.cfg.Client.WSURL)
	opts.ReconnectAttempts = a.cfg.Client.ReconnectAttempts
	opts.ReconnectDelay = a.cfg.Client.ReconnectDelay
	opts.Logger = a.logger

	manager := socket.NewManager(socket.NewRegistry(socket.WebsocketDialer(opts)),
		socket.WithLogger(a.logger), socket.WithFetchTimeout(a.cfg.Client.FetchTimeout))
	user := socket.User{ID: me.ID.String(), Role: protocol.Role(me.Role), Name: me.FullName, Token: a.api.token}
	sock, err := manager.Initialize(user)
	if err != nil {
		return nil, err
	}
	binding := attendance.New(sock, classID, user.ID, user.Role,
		attendance.WithLogger(a.logger), attendance.WithFetchTimeout(a.cfg.Client.FetchTimeout))
	binding.Bind()
	conn := &connection{user: user, manager: manager, binding: binding}

	states, cancel := binding.Subscribe()
	defer cancel()
	timeout := time.NewTimer(a.cfg.Client.FetchTimeout)
	defer timeout.Stop()
	for {
		select {
		case st, ok := <-states:
			if !ok {
				conn.close()
				return nil, socket.ErrNotConnected
			}
			if st.Connected {
				return conn, nil
			}
			if st.Error != "" {
				a.logger.Debug("connect attempt failed", zap.String("error", st.Error))
			}
		case <-timeout.C:
			conn.close()
			return nil, fmt.Errorf("connect to %s: %w", a.cfg.Client.WSURL, socket.ErrTimeout)
		case <-ctx.Done():
			conn.close()
			return nil, ctx.Err()
		}
	}
}

func (a *app) requireRole(c *connection, role protocol.Role) error {
	if c.user.Role != role {
		return fmt.Errorf("this command is for %ss; you are signed in as a %s", role, c.user.Role)
	}
	return nil
}

func (a *app) teacherStart(ctx context.Context, args []string) error {
	f, err := parseFlags("teacher start", args, false, true)
	if err != nil {
		return err
	}
	if f.play && a.cfg.Detection.PlayCommand == "" {
		return errors.New("-play needs AUDIO_PLAY_COMMAND; stdout carries the update feed")
	}
	conn, err := a.connect(ctx, f.classID)
	if err != nil {
		return err
	}
	defer conn.close()
	if err := a.requireRole(conn, protocol.RoleTeacher); err != nil {
		return err
	}

	freqs, err := a.api.generateFrequency(ctx, f.classID)
	if err != nil {
		return fmt.Errorf("generate frequency: %w", err)
	}
	st := protocol.SessionType(f.session)
	if !conn.binding.StartAttendance(st, freqs) {
		return errors.New(conn.binding.Snapshot().Error)
	}
	fmt.Printf("%s attendance started for class %s, frequencies %v\n", st, f.classID, freqs)

	if f.play {
		go func() {
			if err := a.broadcaster().Play(ctx, freqs); err != nil && ctx.Err() == nil {
				fmt.Fprintln(os.Stderr, "playback:", err)
			}
		}()
	}
	fmt.Println("following updates; press Ctrl-C to stop (the session stays open until `teacher end`)")
	return follow(ctx, conn.binding)
}

// follow prints new attendance updates and errors until ctx ends.
func follow(ctx context.Context, b *attendance.Binding) error {
	states, cancel := b.Subscribe()
	defer cancel()
	printed, lastErr := 0, ""
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-states:
			if !ok {
				return nil
			}
			for _, u := range st.Updates[min(printed, len(st.Updates)):] {
				fmt.Printf("%s  %-24s %-8s %s (%d connected)\n", u.Timestamp, nameOr(u.StudentName, u.StudentID), u.Status, u.SessionType, st.ConnectedCount)
			}
			printed = len(st.Updates)
			if st.Error != "" && st.Error != lastErr {
				fmt.Fprintln(os.Stderr, "error:", st.Error)
			}
			lastErr = st.Error
		}
	}
}

func nameOr(name, id string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return id
}

func (a *app) teacherEnd(ctx context.Context, args []string) error {
	f, err := parseFlags("teacher end", args, false, false)
	if err != nil {
		return err
	}
	conn, err := a.connect(ctx, f.classID)
	if err != nil {
		return err
	}
	defer conn.close()
	if err := a.requireRole(conn, protocol.RoleTeacher); err != nil {
		return err
	}

	st := protocol.SessionType(f.session)
	sock := conn.manager.Socket()
	acked := make(chan struct{}, 1)
	rejected := make(chan string, 1)
	ackID := sock.Once(protocol.EventEndedAndNavigate, func(json.RawMessage) { acked <- struct{}{} })
	errID := sock.Once(protocol.EventAttendanceError, func(data json.RawMessage) {
		var e protocol.ErrorEvent
		_ = json.Unmarshal(data, &e)
		rejected <- e.Message
	})
	defer sock.Off(ackID)
	defer sock.Off(errID)

	if !conn.binding.EndAttendance(st) {
		return errors.New(conn.binding.Snapshot().Error)
	}
	timeout := time.NewTimer(a.cfg.Client.FetchTimeout)
	defer timeout.Stop()
	select {
	case <-acked:
		fmt.Printf("%s attendance ended for class %s\n", st, f.classID)
		return nil
	case msg := <-rejected:
		return errors.New(msg)
	case <-timeout.C:
		return fmt.Errorf("end attendance: %w", socket.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *app) broadcaster() *detection.Broadcaster {
	var speaker detection.Speaker = &detection.WriterSpeaker{W: os.Stdout, Rate: a.cfg.Detection.SampleRate}
	if cmd := strings.Fields(a.cfg.Detection.PlayCommand); len(cmd) > 0 {
		if cmd[0] == "aplay" && len(cmd) == 1 {
			speaker = detection.NewAplaySpeaker(a.cfg.Detection.SampleRate)
		} else {
			speaker = &detection.CommandSpeaker{Path: cmd[0], Args: cmd[1:], Rate: a.cfg.Detection.SampleRate}
		}
	}
	return detection.NewBroadcaster(speaker, detection.DefaultBroadcastConfig(), a.logger)
}

func (a *app) teacherPlay(ctx context.Context, args []string) error {
	f, err := parseFlags("teacher play", args, false, false)
	if err != nil {
		return err
	}
	freqs, err := a.api.frequency(ctx, f.classID)
	if err != nil {
		return err
	}
	if len(freqs) == 0 {
		return errors.New("no frequencies cached for this class; start a session first")
	}
	fmt.Fprintf(os.Stderr, "playing %v\n", freqs)
	return a.broadcaster().Play(ctx, freqs)
}

func (a *app) microphone() detection.Microphone {
	rate := a.cfg.Detection.SampleRate
	cmd := strings.Fields(a.cfg.Detection.CaptureCommand)
	switch {
	case len(cmd) == 0:
		return &detection.ReaderMicrophone{R: os.Stdin, Rate: rate}
	case cmd[0] == "arecord" && len(cmd) == 1:
		return detection.NewArecordMicrophone(rate, a.logger)
	default:
		return &detection.CommandMicrophone{Path: cmd[0], Args: cmd[1:], Rate: rate, Logger: a.logger}
	}
}

// studentListen waits for a session to start, detects the class tones and marks the student present.
func (a *app) studentListen(ctx context.Context, args []string) error {
	f, err := parseFlags("student listen", args, false, false)
	if err != nil {
		return err
	}
	conn, err := a.connect(ctx, f.classID)
	if err != nil {
		return err
	}
	defer conn.close()
	if err := a.requireRole(conn, protocol.RoleStudent); err != nil {
		return err
	}

	states, cancel := conn.binding.Subscribe()
	defer cancel()
	fmt.Println("waiting for the teacher to start attendance…")
	var st protocol.SessionType
	for st == "" {
		select {
		case s, ok := <-states:
			if !ok {
				return socket.ErrNotConnected
			}
			if s.Active {
				st = s.ActiveSessionType
			}
		case <-ctx.Done():
			return nil
		}
	}
	freqs, err := a.api.frequency(ctx, f.classID)
	if err != nil {
		return err
	}
	fmt.Printf("%s attendance started; listening for %v\n", st, freqs)

	dcfg := detection.DefaultConfig()
	if a.cfg.Detection.Threshold > 0 {
		dcfg.Threshold = a.cfg.Detection.Threshold
	}
	engine := detection.NewEngine(dcfg, a.microphone(),
		detection.WithLogger(a.logger), detection.WithNotifier(&detection.LogNotifier{Logger: a.logger}))
	defer engine.Stop()

	result := make(chan bool, 1)
	_, err = engine.Start(ctx, freqs, func(status string) { fmt.Println(status) }, func(ok bool) { result <- ok })
	if err != nil {
		return err
	}

	select {
	case ok := <-result:
		if !ok {
			return errors.New("frequencies were not detected; move closer to the teacher and try again")
		}
	case <-ctx.Done():
		return nil
	}

	markCtx, markCancel := context.WithTimeout(ctx, a.cfg.Client.FetchTimeout)
	defer markCancel()
	err = conn.manager.MarkAttendanceConfirmed(markCtx, f.classID, conn.user.ID, conn.user.Name, protocol.StatusPresent, st)
	if err != nil {
		return fmt.Errorf("mark attendance: %w", err)
	}
	fmt.Println("attendance marked: present")
	return nil
}

func (a *app) fetch(ctx context.Context, args []string) error {
	f, err := parseFlags("fetch", args, true, false)
	if err != nil {
		return err
	}
	conn, err := a.connect(ctx, f.classID)
	if err != nil {
		return err
	}
	defer conn.close()

	data, err := conn.binding.FetchAttendance(ctx, f.date, protocol.SessionType(f.session))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}
