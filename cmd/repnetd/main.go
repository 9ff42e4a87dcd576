/*
Repnetd serves entity scenarios over the repnet replication protocol
and connects to other repnetd instances to watch them
*/
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"

	"github.com/HimbeerserverDE/repnet"
	"github.com/alecthomas/kingpin"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

var (
	app        = kingpin.New("repnetd", "Entity replication daemon")
	configPath = app.Flag("config", "Configuration file").Short('c').String()

	listenCmd      = app.Command("listen", "Serve a scenario to connecting peers")
	listenAddr     = listenCmd.Flag("addr", "UDP address to listen on").Default("0.0.0.0:33000").String()
	listenScenario = listenCmd.Flag("scenario", "Scenario file").String()

	connectCmd  = app.Command("connect", "Connect to a listening repnetd and log updates")
	connectAddr = connectCmd.Arg("addr", "Address of the listening repnetd").Required().String()

	configCmd = app.Command("config", "Print the effective configuration")

	banCmd    = app.Command("ban", "Ban an ip address")
	banAddr   = banCmd.Arg("addr", "IP address").Required().String()
	banReason = banCmd.Arg("reason", "Reason").String()

	unbanCmd  = app.Command("unban", "Unban an ip address")
	unbanAddr = unbanCmd.Arg("addr", "IP address").Required().String()

	bansCmd = app.Command("bans", "List banned ip addresses")

	sessionsCmd   = app.Command("sessions", "List finished connections")
	sessionsLimit = sessionsCmd.Flag("limit", "Number of sessions").Default("20").Int()
)

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := repnet.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch cmd {
	case configCmd.FullCommand():
		data, err := cfg.Marshal()
		app.FatalIfError(err, "config")
		os.Stdout.Write(data)
		return
	case banCmd.FullCommand(), unbanCmd.FullCommand(), bansCmd.FullCommand(), sessionsCmd.FullCommand():
		app.FatalIfError(admin(cmd, cfg), cmd)
		return
	}

	log, err := repnet.SetupLogger(cfg.Log)
	app.FatalIfError(err, "logger")
	defer log.Sync()

	ctx, stop := notifyContext(context.Background(), log)
	defer stop()

	reg := repnet.NewRegistry(nil)

	store, err := repnet.OpenStore(cfg.Store)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}

	var plugins *repnet.Plugins
	if cfg.Plugins.Enable {
		plugins = repnet.NewPlugins(log, cfg, store)
		if err := plugins.LoadDir(cfg.Plugins.Dir); err != nil && !os.IsNotExist(err) {
			log.Fatal("load plugins", zap.Error(err))
		}
	}

	switch cmd {
	case listenCmd.FullCommand():
		err = startListen(reg, cfg, log, store, plugins)
	case connectCmd.FullCommand():
		err = startConnect(reg, cfg, log)
	}
	if err != nil {
		End(reg, store, plugins, log, true)
	}

	if err := reg.Run(ctx, cfg.Net.TickRate, log); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}

	End(reg, store, plugins, log, false)
}

func startListen(reg *repnet.Registry, cfg *repnet.Config, log *zap.Logger, store *repnet.Store, plugins *repnet.Plugins) error {
	defs := cfg.Drivers
	if len(defs) == 0 {
		defs = []repnet.DriverDefinition{{
			Name:     "default",
			Role:     "listen",
			Address:  *listenAddr,
			Scenario: *listenScenario,
		}}
	}

	for _, def := range defs {
		role, _ := repnet.ParseRole(def.Role)
		if role != repnet.RoleListen {
			continue
		}

		scenario, oracle := &repnet.Scenario{}, repnet.NewStaticOracle()
		if def.Scenario != "" {
			var err error
			if scenario, oracle, err = repnet.LoadScenario(def.Scenario); err != nil {
				log.Error("load scenario", zap.String("driver", def.Name), zap.Error(err))
				return err
			}
		}

		dcfg := repnet.DriverConfig{
			Name:         def.Name,
			Role:         role,
			Conn:         cfg.ConnConfig(role),
			Replication:  cfg.ReplicationConfig(),
			Logger:       log,
			Oracle:       oracle,
			Replicator:   snapshotReplicator{},
			Handlers:     logHandlers(log),
			Store:        store,
			InboundQueue: cfg.Net.InboundQueue,
			OnConnection: func(c *repnet.Connection) {
				v := scenario.Viewer
				c.SetViewer(&v)
			},
		}
		if plugins != nil {
			dcfg.PriorityHook = plugins.PriorityHook()
		}

		d, err := reg.Create(dcfg)
		if err != nil {
			return err
		}

		pc, err := net.ListenPacket("udp", def.Address)
		if err != nil {
			log.Error("listen", zap.String("driver", def.Name), zap.Error(err))
			return err
		}

		d.Attach(pc)
		log.Info("listening", zap.String("driver", def.Name), zap.String("addr", def.Address),
			zap.Int("entities", len(oracle.Entities())))
	}

	return nil
}

func startConnect(reg *repnet.Registry, cfg *repnet.Config, log *zap.Logger) error {
	raddr, err := net.ResolveUDPAddr("udp", *connectAddr)
	if err != nil {
		return err
	}

	d, err := reg.Create(repnet.DriverConfig{
		Name:         "connect",
		Role:         repnet.RoleConnect,
		Conn:         cfg.ConnConfig(repnet.RoleConnect),
		Replication:  cfg.ReplicationConfig(),
		Logger:       log,
		Handlers:     logHandlers(log),
		InboundQueue: cfg.Net.InboundQueue,
	})
	if err != nil {
		return err
	}

	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return err
	}
	d.Attach(pc)

	c, err := d.Connect(raddr)
	if err != nil {
		return err
	}

	d.Do(func() {
		var ch *repnet.Channel
		if ch, err = c.OpenChannelAt(0, repnet.ChannelControl); err == nil {
			err = ch.Send([]byte("hello"), true)
		}
	})

	log.Info("connecting", zap.Stringer("addr", raddr))
	return err
}

func admin(cmd string, cfg *repnet.Config) error {
	store, err := repnet.OpenStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	switch cmd {
	case banCmd.FullCommand():
		return store.Ban(*banAddr, *banReason)
	case unbanCmd.FullCommand():
		return store.Unban(*unbanAddr)
	case bansCmd.FullCommand():
		bans, err := store.BanList()
		if err != nil {
			return err
		}

		addrs := make([]string, 0, len(bans))
		for addr := range bans {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)

		for _, addr := range addrs {
			fmt.Printf("%s\t%s\n", addr, bans[addr])
		}
	case sessionsCmd.FullCommand():
		sessions, err := store.Sessions(*sessionsLimit)
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(sessions)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
	}

	return nil
}
