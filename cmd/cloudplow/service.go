package main

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/kardianos/service"
	"github.com/l3uddz/cloudplow/internal/store/constants"
	"github.com/l3uddz/cloudplow/internal/syslog"
	"github.com/spf13/cobra"
)

var serviceActions = []string{"install", "uninstall", "start", "stop", "restart", "run"}

var serviceCmd = &cobra.Command{
	Use:       "service [install|uninstall|start|stop|restart|run]",
	Short:     "Manage cloudplow as a system service",
	Long:      `Installs cloudplow as a system service that executes "cloudplow run" with the settings flags given here. The "run" action is what the service manager starts.`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: serviceActions,
	RunE: func(cmd *cobra.Command, args []string) error {
		prg := &cloudplowService{cmd: cmd}

		svc, err := service.New(prg, serviceConfig(cmd))
		if err != nil {
			return fmt.Errorf("service: %w", err)
		}

		action := args[0]
		if action == "run" {
			return svc.Run()
		}

		if err := service.Control(svc, action); err != nil {
			return fmt.Errorf("service %s: %w", action, err)
		}
		fmt.Printf("service %s: ok\n", action)
		return nil
	},
}

func serviceConfig(cmd *cobra.Command) *service.Config {
	return &service.Config{
		Name:        constants.AppName,
		DisplayName: "Cloudplow",
		Description: "Uploads local staging folders to rclone remotes and keeps remotes in sync.",
		Arguments:   append(slices.Clone(settingArgs(cmd)), "service", "run"),
	}
}

// cloudplowService runs the scheduler under a service manager.
type cloudplowService struct {
	cmd    *cobra.Command
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (p *cloudplowService) Start(service.Service) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())

	a, err := setup(p.cmd)
	if err != nil {
		p.cancel()
		return err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { _ = a.close() }()

		if err := a.run(p.ctx, p.cmd); err != nil {
			syslog.L.Error(err).WithMessage("scheduler stopped with an error").Write()
		}
	}()
	return nil
}

func (p *cloudplowService) Stop(service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}
