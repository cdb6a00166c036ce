package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/isayme/go-amqp-reconnect/rabbitmq"
	"github.com/jawr/mxdrop/internal/cache"
	"github.com/jawr/mxdrop/internal/config"
	"github.com/jawr/mxdrop/internal/controlpanel"
	"github.com/jawr/mxdrop/internal/index"
	"github.com/jawr/mxdrop/internal/mailbox"
	"github.com/jawr/mxdrop/internal/notify"
	"github.com/jawr/mxdrop/internal/smtp"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "smtpd",
		Short: "Accept mail over SMTP and drop each message into a per recipient directory",
		Long: `smtpd listens for a small subset of SMTP (HELO, MAIL, RCPT, DATA, HELP
and QUIT) and writes every finished message to its own file under
<mailbox.root>/<recipient>/.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := readConfig(v); err != nil {
				return err
			}

			cfg, err := config.Load(v)
			if err != nil {
				return errors.WithMessage(err, "config.Load")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	config.SetDefaults(v)

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "config file (default is ./mxdrop.yaml if present)")
	flags.String("addr", "", "SMTP listen address, overrides smtp.addr")
	flags.String("root", "", "mailbox root directory, overrides mailbox.root")
	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("smtp.addr", flags.Lookup("addr"))
	_ = v.BindPFlag("mailbox.root", flags.Lookup("root"))

	return cmd
}

func readConfig(v *viper.Viper) error {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.WithMessagef(err, "ReadInConfig '%s'", cfgFile)
		}
		return nil
	}

	v.SetConfigName("mxdrop")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// the config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.WithMessage(err, "ReadInConfig")
		}
	}

	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	dirCache, err := cache.NewCache(cfg.Mailbox.DirCacheTTL)
	if err != nil {
		return errors.WithMessage(err, "NewCache")
	}
	defer dirCache.Close()

	store, err := mailbox.NewStore(
		cfg.Mailbox.Root,
		mailbox.WithKeepTerminator(cfg.Mailbox.KeepTerminator),
		mailbox.WithDirCache(dirCache),
	)
	if err != nil {
		return errors.WithMessage(err, "NewStore")
	}

	log.Printf("Delivering to '%s'", store.Root())

	var handlers []smtp.DeliveredHandler

	// stays a nil interface when the index is disabled
	var lister controlpanel.Lister

	if len(cfg.Index.Path) > 0 {
		idx, err := index.Open(cfg.Index.Path)
		if err != nil {
			return errors.WithMessage(err, "index.Open")
		}
		defer idx.Close()

		log.Printf("Indexing deliveries in '%s'", cfg.Index.Path)

		lister = idx
		handlers = append(handlers, func(d mailbox.Delivery, body []byte) {
			if err := idx.Add(d, body); err != nil {
				log.Printf("Index - Add '%s' - %s", d.Path, err)
			}
		})
	}

	if len(cfg.AMQP.URL) > 0 {
		rabbitConn, err := rabbitmq.Dial(cfg.AMQP.URL)
		if err != nil {
			return errors.WithMessage(err, "rabbitmq.Dial")
		}
		defer rabbitConn.Close()

		ch, err := createChannel(rabbitConn, cfg.AMQP.Queue)
		if err != nil {
			return errors.WithMessage(err, "createChannel")
		}
		defer ch.Close()

		log.Printf("Connected to MQ, publishing to '%s'", cfg.AMQP.Queue)

		publisher := notify.NewPublisher(ch, cfg.AMQP.Queue, cfg.AMQP.Backlog)
		// drain before the channel closes
		defer publisher.Close()

		handlers = append(handlers, func(d mailbox.Delivery, _ []byte) {
			if err := publisher.Add(d); err != nil {
				log.Printf("Notify - Add '%s' - %s", d.Path, err)
			}
		})
	}

	server := smtp.NewServer(
		cfg.SMTP.Addr,
		store,
		smtp.WithIdleTimeout(cfg.SMTP.IdleTimeout),
		smtp.WithWriteTimeout(cfg.SMTP.WriteTimeout),
		smtp.WithMaxSessions(cfg.SMTP.MaxSessions),
		smtp.WithMaxLineLength(cfg.SMTP.MaxLineLength),
		smtp.WithMaxMessageSize(cfg.SMTP.MaxMessageSize),
		smtp.WithDeliveredHandler(func(d mailbox.Delivery, body []byte) {
			for _, h := range handlers {
				h(d, body)
			}
		}),
	)

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return server.ListenAndServe(ctx)
	})

	if len(cfg.Admin.Addr) > 0 {
		site, err := controlpanel.NewSite(server, lister)
		if err != nil {
			return errors.WithMessage(err, "NewSite")
		}

		eg.Go(func() error {
			return site.Run(ctx, cfg.Admin.Addr)
		})
	}

	if err := eg.Wait(); err != nil {
		return errors.WithMessage(err, "server")
	}

	log.Println("Shutdown complete")

	return nil
}

func createChannel(conn *rabbitmq.Connection, queueName string) (*rabbitmq.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.WithMessage(err, "Channel")
	}

	_, err = ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, errors.WithMessage(err, "QueueDeclare")
	}

	return ch, nil
}
