package main

import (
	"github.com/bitrise-io/go-sfile/internal/devserver"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	addr      string
	publicURL string
	token     string
	uploadAPI string
	mergeAPI  string
	verbose   bool
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.StringVar(&serveFlags.addr, "addr", ":8080", "listen address")
	f.StringVar(&serveFlags.publicURL, "public-url", "http://localhost:8080", "prefix of merged file URLs")
	f.StringVar(&serveFlags.token, "token", "", "require this Bearer token")
	f.StringVar(&serveFlags.uploadAPI, "upload-api", "", "chunk upload path")
	f.StringVar(&serveFlags.mergeAPI, "merge-api", "", "chunk merge path")
	f.BoolVar(&serveFlags.verbose, "verbose", false, "debug logging")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory chunk upload server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.NewLogger()
		logger.EnableDebugLog(serveFlags.verbose)

		server := devserver.New(devserver.Params{
			ChunkUploadAPI: serveFlags.uploadAPI,
			ChunkMergeAPI:  serveFlags.mergeAPI,
			Token:          serveFlags.token,
			PublicURL:      serveFlags.publicURL,
		}, logger)
		return server.ListenAndServe(cmd.Context(), serveFlags.addr)
	},
}
