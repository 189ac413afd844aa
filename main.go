package main

import (
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/actionlog"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/clock"
	"github.com/mqy/minichat/rooms"
	"github.com/mqy/minichat/transport"
)

var (
	flagServer    = flag.String("server", "ws://127.0.0.1:8000/ws", "chat backend websocket url")
	flagUser      = flag.String("user", "", "account identity")
	flagPass      = flag.String("pass", "", "account password")
	flagActionsDB = flag.String("actions-db", "minichat-actions.db", "bbolt file for delete/recall action history")

	flagRoomsAPI   = flag.String("rooms-api", "", "call room provisioning endpoint")
	flagUploadAPI  = flag.String("upload-api", "", "blob upload endpoint")
	flagRoomsToken = flag.String("rooms-token", "", "bearer token for the rooms/upload endpoints")

	flagMetricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address, empty to disable")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	actions, err := actionlog.Open(*flagActionsDB)
	if err != nil {
		return errorf("action history: %v", err)
	}
	defer actions.Close()

	tr := transport.New(transport.Conf{URL: *flagServer})
	provisioner := rooms.NewClient(*flagRoomsAPI, *flagUploadAPI, *flagRoomsToken)
	creds := &auth.Static{User: *flagUser, Pass: *flagPass}

	engine := chat.NewEngine(*flagUser, tr, provisioner, actions, creds, clock.Real{})
	defer engine.Close()

	tr.OnConnect = engine.ReLogin

	if *flagMetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*flagMetricsAddr, mux); err != nil {
				glog.Errorf("metrics server: %v", err)
			}
		}()
	}

	glog.Infof("minichat client is starting, identity: %s", *flagUser)

	if err := tr.Connect(); err != nil {
		// the reconnect loop takes over once the first send kicks it off
		glog.Errorf("initial connect: %v", err)
	} else if err := engine.Login(); err != nil {
		glog.Errorf("login: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	glog.Infof("received signal `%s`, stopping", sig.String())

	if err := engine.Logout(); err != nil {
		glog.V(5).Infof("logout: %v", err)
	}
	tr.Close()

	glog.Info("minichat client exited")
	return 0
}

func validateFlags() int {
	if *flagServer == "" {
		return errorf("--server is required")
	}
	u, err := url.Parse(*flagServer)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return errorf("--server: not a websocket url: %s", *flagServer)
	}
	if *flagUser == "" {
		return errorf("--user is required")
	}
	if *flagActionsDB == "" {
		return errorf("--actions-db is required")
	}
	return 0
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}
