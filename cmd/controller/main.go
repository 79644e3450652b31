// Command controller is the Controller Core entrypoint: it loads
// configuration, opens and migrates the relational store, wires the
// authority/registry/queue/build-state/artifact layers together, starts the
// periodic sweep, and serves the request gateway until an OS signal asks it
// to stop. Its flag-plus-env-plus-signal-handler shape follows a standard
// composition-root entrypoint pattern, with a controller-runtime-style
// manager replaced by this package's own store/authority/registry/queue/
// buildstate composition.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smrt-devops/buildctl/internal/api"
	"github.com/smrt-devops/buildctl/internal/artifacts"
	"github.com/smrt-devops/buildctl/internal/auth"
	"github.com/smrt-devops/buildctl/internal/authority"
	"github.com/smrt-devops/buildctl/internal/buildstate"
	"github.com/smrt-devops/buildctl/internal/certs"
	"github.com/smrt-devops/buildctl/internal/config"
	"github.com/smrt-devops/buildctl/internal/queue"
	"github.com/smrt-devops/buildctl/internal/registry"
	"github.com/smrt-devops/buildctl/internal/store"
	"github.com/smrt-devops/buildctl/internal/sweep"
	"github.com/smrt-devops/buildctl/internal/utils"
)

func main() {
	var sweepCron string
	flag.StringVar(&sweepCron, "sweep-cron", "", "Cron expression for the staleness/expiry sweep. If empty, the sweep runs on a plain ticker instead.")
	flag.Parse()

	log := utils.NewLoggerFromEnv().WithName("setup")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Error(err, "unable to load configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.StoreDSN, log)
	if err != nil {
		log.Error(err, "unable to open store")
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Error(err, "unable to migrate store")
		os.Exit(1)
	}

	var oidcVerifier *auth.OIDCVerifier
	if cfg.OIDCIssuer != "" {
		v, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCUserClaim)
		if err != nil {
			log.Error(err, "unable to configure Operator SSO, continuing with the static admin key only")
		} else {
			oidcVerifier = v
		}
	}

	auth_, err := authority.New(st, authority.Config{
		AdminKey:        cfg.AdminKey,
		SessionTokenTTL: cfg.SessionTokenTTL,
		OTPTTL:          cfg.OTPTTL,
		GuestTokenTTL:   cfg.GuestTokenTTL,
	}, log, oidcVerifier)
	if err != nil {
		log.Error(err, "unable to construct authority")
		os.Exit(1)
	}

	reg := registry.New(st, auth_, cfg.WorkerStaleness, log)
	q := queue.New(st, auth_, log)
	if err := q.RebuildFromStore(ctx); err != nil {
		log.Error(err, "unable to rebuild queue from store")
		os.Exit(1)
	}
	builds := buildstate.New(st, reg, log)

	channel, err := artifacts.New(cfg.StorageRoot, artifacts.Limits{
		SourceMaxBytes:      cfg.SourceMaxBytes,
		CredentialsMaxBytes: cfg.CredentialsMaxBytes,
		ResultMaxBytes:      cfg.ResultMaxBytes,
		ChunkSize:           cfg.ChunkSize,
	}, log)
	if err != nil {
		log.Error(err, "unable to open artifact channel")
		os.Exit(1)
	}

	// signer is kept as the api.Signer interface, left nil on failure rather
	// than holding a typed-nil *artifacts.Signer, which would make the
	// gateway's "is a signer configured" check always true.
	var signer api.Signer
	if s, err := artifacts.NewSigner(); err != nil {
		log.Error(err, "unable to construct result signer, results will be stored unsigned")
	} else {
		signer = s
	}

	sweeper := sweep.New(reg, builds, auth_, log)
	if sweepCron != "" {
		c, err := sweeper.ScheduleCron(ctx, sweepCron)
		if err != nil {
			log.Error(err, "unable to schedule sweep on cron expression, falling back to the ticker", "expr", sweepCron)
			go sweeper.Schedule(ctx, cfg.WorkerStaleness)
		} else {
			defer c.Stop()
		}
	} else {
		go sweeper.Schedule(ctx, cfg.WorkerStaleness)
	}

	if cfg.MetricsAddress != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: metricsMux}
		go func() {
			<-ctx.Done()
			metricsServer.Close()
		}()
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error(err, "metrics server exited with an error")
			}
		}()
	}

	server := api.New(auth_, reg, q, builds, channel, signer, log, cfg.ListenAddress, cfg.MaxConcurrentRequests)

	if cfg.ListenTLS {
		caManager := certs.NewCAManager(st, log)
		if _, err := caManager.EnsureCA(ctx); err != nil {
			log.Error(err, "unable to ensure controller CA")
			os.Exit(1)
		}
		certManager := certs.NewCertificateManager(caManager, log, certs.LoadConfig())
		certPEM, keyPEM, _, err := certManager.IssueCertificate(ctx, &certs.CertificateRequest{
			CommonName:   "buildctl-gateway",
			Organization: "buildctl",
			IsServer:     true,
		})
		if err != nil {
			log.Error(err, "unable to issue gateway TLS certificate")
			os.Exit(1)
		}
		tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			log.Error(err, "unable to load issued gateway TLS certificate")
			os.Exit(1)
		}
		server.WithTLSCertificate(&tlsCert)
	}

	log.Info("starting controller core", "addr", cfg.ListenAddress, "tls", cfg.ListenTLS)
	if err := server.Start(ctx); err != nil {
		log.Error(err, "request gateway exited with an error")
		os.Exit(1)
	}
}
