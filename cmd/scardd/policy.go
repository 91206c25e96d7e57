package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"scard-broker/config"
	"scard-broker/policy"
)

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage the admin policy stored in etcd",
	}
	cmd.AddCommand(policyPushCmd())
	return cmd
}

func policyPushCmd() *cobra.Command {
	var (
		etcd    policy.EtcdConfig
		p       policy.AdminPolicy
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Publish an admin policy to every broker watching the key",
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := policy.NewEtcdSource(etcd, nil)
			if err != nil {
				return err
			}
			defer func() { _ = source.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := source.Publish(ctx, p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published admin policy to %s\n", etcd.Key)
			return nil
		},
	}
	defaults := config.Default().Policy.Etcd
	cmd.Flags().StringSliceVar(&etcd.Endpoints, "endpoints", []string{"localhost:2379"}, "etcd endpoints")
	cmd.Flags().StringVar(&etcd.Key, "key", defaults.Key, "etcd key of the policy")
	cmd.Flags().DurationVar(&etcd.DialTimeout, "dial-timeout", defaults.DialTimeout, "etcd dial timeout")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "publish timeout")
	cmd.Flags().StringSliceVar(&p.SCardDisconnectFallbackClientAppIDs, "fallback-app-ids", nil,
		"client app ids allowed the SCardConnect disconnect fallback")
	cmd.Flags().StringSliceVar(&p.ForceAllowedClientAppIDs, "force-allowed-app-ids", nil,
		"client app ids that are always allowed")
	return cmd
}
