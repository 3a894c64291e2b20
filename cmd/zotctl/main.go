// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/katzenpost/zot/channel"
	"github.com/katzenpost/zot/channel/boltchannel"
	"github.com/katzenpost/zot/common"
	"github.com/katzenpost/zot/core/crypto"
	"github.com/katzenpost/zot/server"
	"github.com/katzenpost/zot/server/config"
)

type ctl struct {
	configFile string
	bits       int
	all        bool

	cfg *config.Config
}

func (c *ctl) load() error {
	cfg, err := config.LoadFile(c.configFile, false)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", c.configFile, err)
	}
	c.cfg = cfg
	return nil
}

func (c *ctl) dataFile(f string) string {
	return filepath.Join(c.cfg.Server.DataDir, f)
}

func (c *ctl) site() (*channel.Site, error) {
	k, err := crypto.LoadOrGenerateKey(c.dataFile(server.SitePrivateKeyFile), c.dataFile(server.SitePublicKeyFile), crypto.DefaultKeyBits)
	if err != nil {
		return nil, err
	}
	return channel.NewSite(c.cfg.Server.BaseURL, c.cfg.Server.SiteName, k), nil
}

func (c *ctl) withChannels(fn func(channel.Store) error) error {
	s, err := boltchannel.New(c.dataFile(server.ChannelsFile))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func (c *ctl) genkey(w io.Writer) error {
	s, err := c.site()
	if err != nil {
		return err
	}
	pub, err := s.PublicKeyPEM()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Site %v key hash: %v\n", s.URL, crypto.Hash([]byte(pub)))
	return nil
}

func (c *ctl) addChannel(w io.Writer, name string) error {
	s, err := c.site()
	if err != nil {
		return err
	}
	ch, err := channel.Generate(name, s, c.bits)
	if err != nil {
		return err
	}
	return c.withChannels(func(st channel.Store) error {
		if err := st.Create(ch); err != nil {
			return err
		}
		fmt.Fprintf(w, "Created %v\nguid: %v\nhash: %v\n", ch.Address, ch.GUID, ch.Hash)
		return nil
	})
}

func (c *ctl) listChannels(w io.Writer) error {
	return c.withChannels(func(st channel.Store) error {
		channels, err := st.List(c.all)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tADDRESS\tHASH\tREMOVED")
		for _, ch := range channels {
			fmt.Fprintf(tw, "%d\t%v\t%v\t%v\n", ch.ID, ch.Address, ch.Hash, ch.Removed)
		}
		return tw.Flush()
	})
}

func (c *ctl) removeChannel(w io.Writer, addr string) error {
	return c.withChannels(func(st channel.Store) error {
		ch, err := st.ByAddress(addr)
		if err != nil {
			return err
		}
		if err := st.Remove(ch.ID); err != nil {
			return err
		}
		fmt.Fprintf(w, "Removed %v\n", ch.Address)
		return nil
	})
}

func (c *ctl) permission(w io.Writer, grant bool, addr, remoteHash, capability string) error {
	return c.withChannels(func(st channel.Store) error {
		ch, err := st.ByAddress(addr)
		if err != nil {
			return err
		}
		if grant {
			err = st.Grant(ch.ID, remoteHash, capability)
		} else {
			err = st.Revoke(ch.ID, remoteHash, capability)
		}
		if err != nil {
			return err
		}
		verb := "Granted"
		if !grant {
			verb = "Revoked"
		}
		fmt.Fprintf(w, "%v %v over %v to %v\n", verb, capability, ch.Address, remoteHash)
		return nil
	})
}

func newRootCommand() *cobra.Command {
	c := new(ctl)

	root := &cobra.Command{
		Use:   "zotctl",
		Short: "Zot site administration",
		Long: `zotctl manages the state of a zotd site: its key and the channels it hosts.

The channel database is locked while zotd runs, stop zotd first.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVarP(&c.configFile, "config", "f", "zotd.toml",
		"path to the server configuration file (TOML format)")

	root.AddCommand(&cobra.Command{
		Use:   "genkey",
		Short: "Generate the site key if there is none and print its hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.genkey(cmd.OutOrStdout())
		},
	})

	channels := &cobra.Command{
		Use:   "channel",
		Short: "Manage the channels hosted by this site",
	}
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.addChannel(cmd.OutOrStdout(), args[0])
		},
	}
	add.Flags().IntVar(&c.bits, "bits", crypto.DefaultKeyBits, "channel RSA key size")
	list := &cobra.Command{
		Use:   "list",
		Short: "List channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.listChannels(cmd.OutOrStdout())
		},
	}
	list.Flags().BoolVarP(&c.all, "all", "a", false, "include removed channels")
	channels.AddCommand(add, list, &cobra.Command{
		Use:   "remove ADDRESS",
		Short: "Remove a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.removeChannel(cmd.OutOrStdout(), args[0])
		},
	})
	root.AddCommand(channels)

	capHelp := "capability, " + strconv.Quote(channel.CapDelegate) + " lets the remote identity act as the channel"
	root.AddCommand(&cobra.Command{
		Use:   "grant ADDRESS REMOTE_HASH CAPABILITY",
		Short: "Grant a remote identity a capability over a channel",
		Long:  "Grant a remote identity a capability over a channel.\n\nCAPABILITY is the " + capHelp + ".",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.permission(cmd.OutOrStdout(), true, args[0], args[1], args[2])
		},
	}, &cobra.Command{
		Use:   "revoke ADDRESS REMOTE_HASH CAPABILITY",
		Short: "Revoke a capability granted to a remote identity",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.permission(cmd.OutOrStdout(), false, args[0], args[1], args[2])
		},
	})

	return root
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
