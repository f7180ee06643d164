package main

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"text/template"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jaayvee/otpgateway/internal/dispatch"
	"github.com/jaayvee/otpgateway/internal/events"
	"github.com/jaayvee/otpgateway/internal/otp"
	"github.com/jaayvee/otpgateway/internal/providers/console"
	"github.com/jaayvee/otpgateway/internal/providers/kaleyra"
	"github.com/jaayvee/otpgateway/internal/providers/pinpoint"
	"github.com/jaayvee/otpgateway/internal/providers/smtp"
	"github.com/jaayvee/otpgateway/internal/providers/webhook"
	"github.com/jaayvee/otpgateway/internal/ratelimit"
	"github.com/jaayvee/otpgateway/internal/store"
	"github.com/jaayvee/otpgateway/internal/store/mem"
	rstore "github.com/jaayvee/otpgateway/internal/store/redis"
	"github.com/jaayvee/otpgateway/internal/uid"
	"github.com/jaayvee/otpgateway/pkg/models"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

type constants struct {
	SweepInterval time.Duration
}

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.String("env-file", "", "Path to a .env file to load into the environment")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Optional .env file that feeds the env provider below.
	if p, _ := f.GetString("env-file"); p != "" {
		if err := godotenv.Load(p); err != nil {
			logger.Fatal("error loading env file", "file", p, "error", err)
		}
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		logger.Info("reading config", "file", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			logger.Error("error reading config", "error", err)
		}
	}

	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider("OTP_GATEWAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "OTP_GATEWAY_")), "__", ".", -1)
	}), nil); err != nil {
		logger.Error("error loading env config", "error", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

func initLogger(debug bool) logf.Logger {
	opts := logf.Opts{
		EnableCaller:    true,
		TimestampFormat: time.RFC3339,
		Level:           logf.InfoLevel,
	}
	if debug {
		opts.Level = logf.DebugLevel
	}

	return logf.New(opts)
}

// initRedis returns a Redis client and its config if any component is
// configured to use Redis, and a nil client otherwise.
func initRedis() (*redis.Client, rstore.Conf) {
	var c rstore.Conf
	if ko.String("store.type") != "redis" && ko.String("events.type") != "redis" {
		return nil, c
	}

	if err := ko.UnmarshalWithConf("store.redis", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		logger.Fatal("error reading redis config", "error", err)
	}
	return rstore.NewClient(c), c
}

// initStore returns the OTP store and the rate limiter.
func initStore(rc *redis.Client, c rstore.Conf) (store.Store, ratelimit.Limiter) {
	switch ko.String("store.type") {
	case "", "memory":
		logger.Info("using in-memory store")
		return mem.New(), ratelimit.NewMem()
	case "redis":
		return rstore.New(rc, c), ratelimit.NewRedis(rc, c.KeyPrefix)
	}

	logger.Fatal("unknown store.type", "type", ko.String("store.type"))
	return nil, nil
}

// initEvents returns the audit event publisher.
func initEvents(rc *redis.Client) (events.Publisher, error) {
	switch ko.String("events.type") {
	case "", "none":
		return events.Nop{}, nil
	case "redis":
		ch := ko.String("events.redis.channel")
		if ch == "" {
			ch = "otp:events"
		}
		return events.NewRedis(rc, ch), nil
	case "kafka":
		var c events.KafkaConf
		if err := ko.UnmarshalWithConf("events.kafka", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			return nil, err
		}
		return events.NewKafka(c)
	}

	return nil, fmt.Errorf("unknown events.type '%s'", ko.String("events.type"))
}

// initProviders initializes the delivery providers listed in app.providers,
// in that order. Webhook providers are identified by a "webhook" prefix so
// that more than one can be configured, eg: webhook_sms, webhook_backup.
func initProviders() ([]models.Provider, error) {
	var out []models.Provider
	for _, id := range ko.Strings("app.providers") {
		var (
			key = "providers." + id
			p   models.Provider
			err error
		)

		if !ko.Exists(key) && id != "console" {
			logger.Warn("no config for provider", "provider", id, "key", key)
		}

		switch {
		case id == "console":
			// The console provider writes codes to the log.
			if ko.String("app.log_level") != "debug" {
				return nil, errors.New(`the console provider is for development only and needs app.log_level = "debug"`)
			}
			logger.Warn("console provider loaded. OTPs will be written to the log.")
			p = console.New(logger)

		case id == "smtp":
			var c smtp.Config
			if err := ko.UnmarshalWithConf(key, &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
				return nil, err
			}
			p, err = smtp.New(c)

		case id == "pinpoint":
			var c pinpoint.Config
			if err := ko.UnmarshalWithConf(key, &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
				return nil, err
			}
			p, err = pinpoint.NewSMS(c)

		case id == "kaleyra":
			var c kaleyra.Config
			if err := ko.UnmarshalWithConf(key, &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
				return nil, err
			}
			p, err = kaleyra.New(c)

		case strings.HasPrefix(id, "webhook"):
			var c webhook.Config
			if err := ko.UnmarshalWithConf(key, &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
				return nil, err
			}
			c.ID = id
			p, err = webhook.New(c)

		default:
			return nil, fmt.Errorf("unknown provider '%s'", id)
		}

		if err != nil {
			return nil, fmt.Errorf("error initializing provider '%s': %v", id, err)
		}

		logger.Info("loaded provider", "provider", id, "channel", p.ChannelName())
		out = append(out, p)
	}

	return out, nil
}

// initTemplates loads the message subject and body templates. The bundled
// templates are used unless delivery.subject or delivery.template are set.
func initTemplates(fs stuffbin.FileSystem) (*template.Template, *template.Template, error) {
	subj := ko.String("delivery.subject")
	if subj == "" {
		b, err := fs.Read("/static/subject.tpl")
		if err != nil {
			return nil, nil, fmt.Errorf("error reading bundled subject template: %v", err)
		}
		subj = string(b)
	}

	var (
		body []byte
		err  error
	)
	if f := ko.String("delivery.template"); f != "" {
		body, err = os.ReadFile(f)
	} else {
		body, err = fs.Read("/static/sms.tpl")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("error reading message template: %v", err)
	}

	return dispatch.ParseTemplates(subj, string(body))
}

func initFS(exe string) stuffbin.FileSystem {
	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Can halt here or fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			// First argument is to the root to mount the files in the FileSystem
			// and the rest of the arguments are paths to embed.
			fs, err = stuffbin.NewLocalFS("/", "static/")
			if err != nil {
				logger.Fatal("error falling back to local filesystem", "error", err)
			}
		} else {
			logger.Fatal("error reading stuffed binary", "error", err)
		}
	}

	return fs
}

func initIDs() (uid.Generator, error) {
	return uid.New(ko.String("app.id_format"), ko.Int64("app.node_id"))
}

func initOTPOpt() otp.Opt {
	return otp.Opt{
		Config: models.Config{
			CodeLength:  ko.Int("otp.code_length"),
			Expiry:      ko.Duration("otp.expiry"),
			MaxAttempts: ko.Int("otp.max_attempts"),
			Cooldown:    ko.Duration("otp.cooldown"),
		},
		TestRecipients: ko.Strings("otp.test_recipients"),
		TestCode:       ko.String("otp.test_code"),
	}
}

func initConstants() constants {
	return constants{
		SweepInterval: ko.Duration("app.sweep_interval"),
	}
}

// initValidator returns a request validator that reports JSON field names.
func initValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// initAuth loads the username:secret authorisation maps.
func initAuth() map[string]string {
	out := make(map[string]string)
	for _, a := range ko.MapKeys("auth") {
		k := ko.StringMap("auth." + a)
		var (
			username = k["username"]
			secret   = k["secret"]
		)

		if username == "" || secret == "" {
			logger.Fatal("username or secret keys not found", "key", "auth."+a)
		}
		out[username] = secret
	}

	return out
}
