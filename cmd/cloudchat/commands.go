package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudchat/chat-core/internal/chat"
	"github.com/cloudchat/chat-core/internal/config"
	"github.com/cloudchat/chat-core/internal/group"
	"github.com/cloudchat/chat-core/internal/identity"
	"github.com/cloudchat/chat-core/internal/media"
)

func newChatCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <peer-uid>",
		Short: "Open a direct chat and send lines from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view := newPrinter(cmd.OutOrStdout())
			a, err := bootstrap(cmd, f, view)
			if err != nil {
				return err
			}
			defer a.close()

			if _, err := a.session.OpenDirect(cmd.Context(), args[0]); err != nil {
				return err
			}
			return a.converse(cmd, view)
		},
	}
}

func newGroupCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Create, list, open and repair group chats",
	}

	create := &cobra.Command{
		Use:   "create <name> <member-uid>...",
		Short: "Create a group and invite members",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd, f, nil)
			if err != nil {
				return err
			}
			defer a.close()

			g, err := a.session.CreateGroup(cmd.Context(), args[0], args[1:])
			var fanout *group.FanoutError
			if errors.As(err, &fanout) {
				fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", g.ID, g.Name)
				for _, failure := range fanout.Failures {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", failure.Error())
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "run `cloudchat group retry "+g.ID+"` to replay failed writes")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) with %d members\n", g.ID, g.Name, len(g.Members))
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List groups you belong to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd, f, nil)
			if err != nil {
				return err
			}
			defer a.close()

			groups, err := a.session.Groups(cmd.Context())
			if err != nil {
				return err
			}
			for _, g := range groups {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d members\n", g.ID, g.Name, len(g.Members))
			}
			return nil
		},
	}

	open := &cobra.Command{
		Use:   "open <group-id>",
		Short: "Open a group chat and send lines from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view := newPrinter(cmd.OutOrStdout())
			a, err := bootstrap(cmd, f, view)
			if err != nil {
				return err
			}
			defer a.close()

			if _, err := a.session.OpenGroup(cmd.Context(), args[0]); err != nil {
				return err
			}
			return a.converse(cmd, view)
		},
	}

	retry := &cobra.Command{
		Use:   "retry [group-id]",
		Short: "Replay failed invitations, for one group or all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd, f, nil)
			if err != nil {
				return err
			}
			defer a.close()

			var groupID string
			if len(args) == 1 {
				groupID = args[0]
			}
			n, err := a.session.RetryFanout(cmd.Context(), groupID)
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d writes\n", n)
			return err
		},
	}

	cmd.AddCommand(create, list, open, retry)
	return cmd
}

func newInboxCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Group invitations",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List invitations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd, f, nil)
			if err != nil {
				return err
			}
			defer a.close()

			inbox, err := a.session.Inbox()
			if err != nil {
				return err
			}
			ns, err := inbox.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range ns {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tfrom %s\n", n.ID, n.Title(), n.SenderLabel)
			}
			return nil
		},
	}

	dismiss := &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Remove an invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd, f, nil)
			if err != nil {
				return err
			}
			defer a.close()

			inbox, err := a.session.Inbox()
			if err != nil {
				return err
			}
			return inbox.Dismiss(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(list, dismiss)
	return cmd
}

func newUsersCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List other users with their presence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd, f, nil)
			if err != nil {
				return err
			}
			defer a.close()

			me, _ := a.session.Me()
			profiles, err := a.session.Users().List(cmd.Context(), me.ID)
			if err != nil {
				return err
			}
			pc := a.presenceConfig()
			now := time.Now()
			for _, p := range profiles {
				status := "unknown"
				if pr, err := a.session.Presence(cmd.Context(), p.UID); err == nil {
					status = pc.Status(pr, now, time.Local)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", p.UID, p.Label(), status)
			}
			return nil
		},
	}
}

func newProfileCmd(f *flags) *cobra.Command {
	var photo string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show your profile, optionally uploading a new photo",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd, f, nil)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			me, _ := a.session.Me()
			if photo != "" {
				if a.uploader == nil {
					return media.ErrNotConfigured
				}
				data, err := os.ReadFile(photo)
				if err != nil {
					return err
				}
				if _, err := chat.ValidateImage(data); err != nil {
					return err
				}
				url, err := a.uploader.Upload(ctx, data)
				if err != nil {
					return err
				}
				if err := a.session.Users().SetPhoto(ctx, me.ID, url); err != nil {
					return err
				}
			}

			p, err := a.session.Users().Get(ctx, me.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "uid:   %s\nname:  %s\n", p.UID, p.Label())
			if p.Email != "" {
				fmt.Fprintf(out, "email: %s\n", p.Email)
			}
			if p.PhotoURL != "" {
				fmt.Fprintf(out, "photo: %s\n", p.PhotoURL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&photo, "photo", "", "image file to upload as the profile photo")
	return cmd
}

func newPresenceCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "presence <uid>",
		Short: "Show a user's presence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd, f, nil)
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.session.Presence(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.presenceConfig().Status(p, time.Now(), time.Local))
			return nil
		},
	}
}

func newTokenCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Sign an identity token for the configured user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			if cfg.Identity.UID == "" || cfg.Identity.TokenSecret == "" {
				return errors.New("identity.uid and identity.token_secret are required")
			}
			a := &app{cfg: cfg}
			token, err := identity.GenerateToken(a.tokenConfig(), identity.Identity{
				ID:           cfg.Identity.UID,
				DisplayLabel: cfg.Identity.DisplayName,
				Email:        cfg.Identity.Email,
				PhotoURL:     cfg.Identity.PhotoURL,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func newConfigCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath(f.configPath)
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	})
	return cmd
}

// converse sends stdin lines to the focused room until EOF, /quit or the
// command context ends. "/image <file>" sends a picture.
func (a *app) converse(cmd *cobra.Command, view *printer) error {
	ctx := cmd.Context()
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			var image []byte
			switch {
			case line == "":
				continue
			case line == "/quit":
				return nil
			case strings.HasPrefix(line, "/image "):
				data, err := os.ReadFile(strings.TrimSpace(strings.TrimPrefix(line, "/image ")))
				if err != nil {
					view.notice(err)
					continue
				}
				image, line = data, ""
			}
			if _, err := a.session.Send(ctx, line, image); err != nil {
				view.notice(err)
			}
		}
	}
}

// printer renders the focused room as lines, each confirmed message once.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[string]bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, printed: make(map[string]bool)}
}

func (p *printer) Messages(_ chat.Room, seq []chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range seq {
		if m.Pending() || p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		body := m.Text
		if m.ImageURL != "" {
			body = strings.TrimSpace(body + " " + m.ImageURL)
		}
		fmt.Fprintf(p.w, "%s %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.SenderLabel, body)
	}
}

func (p *printer) StreamFailed(room chat.Room, err error) {
	p.notice(fmt.Errorf("%s: %w", room, err))
}

func (p *printer) notice(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, "!", err)
}
