package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmorganca/sdvae/api"
	"github.com/jmorganca/sdvae/envconfig"
	"github.com/jmorganca/sdvae/format"
	"github.com/jmorganca/sdvae/fs/safetensors"
	"github.com/jmorganca/sdvae/logutil"
	"github.com/jmorganca/sdvae/model"
	"github.com/jmorganca/sdvae/model/imageproc"
	_ "github.com/jmorganca/sdvae/model/models"
	"github.com/jmorganca/sdvae/progress"
	"github.com/jmorganca/sdvae/runner"
	"github.com/jmorganca/sdvae/server"
	"github.com/jmorganca/sdvae/version"
)

// loadModel loads the weights named by the --weights and --arch flags.
func loadModel(cmd *cobra.Command) (model.Model, string, string, error) {
	weights, _ := cmd.Flags().GetString("weights")
	arch, _ := cmd.Flags().GetString("arch")

	if term.IsTerminal(int(os.Stderr.Fd())) {
		p := progress.NewProgress(os.Stderr)
		defer p.StopAndClear()

		p.Add(progress.NewSpinner("loading " + weights))
	}

	m, err := model.New(weights, arch)
	if err != nil {
		return nil, "", "", err
	}

	return m, arch, weights, nil
}

func seedFlag(cmd *cobra.Command) *uint64 {
	if !cmd.Flags().Changed("seed") {
		return nil
	}

	seed, _ := cmd.Flags().GetUint64("seed")
	return &seed
}

func EncodeHandler(cmd *cobra.Command, args []string) error {
	size, _ := cmd.Flags().GetInt("size")
	fit, _ := cmd.Flags().GetString("fit")
	meanOnly, _ := cmd.Flags().GetBool("mean-only")
	output, _ := cmd.Flags().GetString("output")
	remote, _ := cmd.Flags().GetBool("remote")
	seed := seedFlag(cmd)

	var resp *api.EncodeResponse
	var arch string
	if remote {
		if len(args) != 1 {
			return errors.New("--remote encodes one image at a time")
		}

		bts, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		resp, err = api.ClientFromEnvironment().Encode(cmd.Context(), &api.EncodeRequest{
			Image:    bts,
			Seed:     seed,
			Size:     size,
			Fit:      fit,
			MeanOnly: meanOnly,
		})
		if err != nil {
			return err
		}
	} else {
		images := make([]image.Image, len(args))
		for i, arg := range args {
			img, err := loadImage(arg)
			if err != nil {
				return err
			}

			images[i] = img
		}

		m, a, _, err := loadModel(cmd)
		if err != nil {
			return err
		}
		defer m.Backend().Close()
		arch = a

		req := runner.Request{
			Images:   images,
			Size:     size,
			Fit:      imageproc.Fit(fit),
			Seed:     seed,
			MeanOnly: meanOnly,
		}

		if term.IsTerminal(int(os.Stderr.Fd())) {
			p := progress.NewProgress(os.Stderr)
			bar := progress.NewStageBar("encoding", len(m.Stages()))
			p.Add(bar)

			req.Hook = func(i, n int, name string) { bar.Set(i, name) }
			defer func() {
				bar.Done()
				p.Stop()
			}()
		}

		result, err := runner.Encode(m, req)
		if err != nil {
			return err
		}

		resp = &api.EncodeResponse{
			Shape:  result.Shape,
			Latent: result.Latent,
			Scale:  result.Scale,
			Summary: api.Summary{
				Mean: result.Summary.Mean,
				Std:  result.Summary.Std,
				Min:  result.Summary.Min,
				Max:  result.Summary.Max,
			},
			EncodeDuration: result.Duration.Nanoseconds(),
		}
	}

	if output != "" {
		meta := map[string]string{
			"scale":     strconv.FormatFloat(resp.Scale, 'g', -1, 64),
			"mean_only": strconv.FormatBool(meanOnly),
		}

		if arch != "" {
			meta["architecture"] = arch
		}

		if seed != nil {
			meta["seed"] = strconv.FormatUint(*seed, 10)
		}

		if err := writeLatent(output, resp, meta); err != nil {
			return err
		}
	}

	return showLatent(resp, output, cmd.OutOrStdout())
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := imageproc.Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return img, nil
}

// writeLatent stores the latent as the tensor "latent" of a safetensors file.
func writeLatent(path string, resp *api.EncodeResponse, meta map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := safetensors.Write(f, []safetensors.Tensor{
		{Name: "latent", Shape: resp.Shape, Data: resp.Latent},
	}, meta); err != nil {
		return err
	}

	return f.Close()
}

func showLatent(resp *api.EncodeResponse, output string, w io.Writer) error {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	table.Append([]string{"shape", format.Shape(resp.Shape)})
	table.Append([]string{"scale", strconv.FormatFloat(resp.Scale, 'g', -1, 64)})
	table.Append([]string{"mean", fmt.Sprintf("%.4f", resp.Summary.Mean)})
	table.Append([]string{"std", fmt.Sprintf("%.4f", resp.Summary.Std)})
	table.Append([]string{"range", fmt.Sprintf("[%.4f, %.4f]", resp.Summary.Min, resp.Summary.Max)})
	if output != "" {
		table.Append([]string{"output", output})
	}

	table.Render()
	return nil
}

func ShowHandler(cmd *cobra.Command, args []string) error {
	if remote, _ := cmd.Flags().GetBool("remote"); remote {
		resp, err := api.ClientFromEnvironment().Show(cmd.Context())
		if err != nil {
			return err
		}

		return showInfo(resp, cmd.OutOrStdout())
	}

	if len(args) > 0 {
		if err := cmd.Flags().Set("weights", args[0]); err != nil {
			return err
		}
	}

	m, arch, weights, err := loadModel(cmd)
	if err != nil {
		return err
	}
	defer m.Backend().Close()

	resp := runner.Describe(m, arch, weights)
	if err := annotateDTypes(resp); err != nil {
		return err
	}

	return showInfo(resp, cmd.OutOrStdout())
}

// annotateDTypes fills in the stored type of each tensor from the weights file.
func annotateDTypes(resp *api.ShowResponse) error {
	f, err := safetensors.Open(resp.Weights)
	if err != nil {
		return err
	}
	defer f.Close()

	for i, t := range resp.Tensors {
		for _, name := range []string{t.Name, "first_stage_model." + t.Name} {
			if info, ok := f.Info(name); ok {
				resp.Tensors[i].DType = info.DType
				break
			}
		}
	}

	return nil
}

func showInfo(resp *api.ShowResponse, w io.Writer) error {
	tableRender := func(header string, rows func() [][]string) {
		fmt.Fprintln(w, " ", header)
		table := tablewriter.NewWriter(w)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")
		table.AppendBulk(rows())
		table.Render()
		fmt.Fprintln(w)
	}

	tableRender("Encoder", func() (rows [][]string) {
		rows = append(rows, []string{"", "architecture", resp.Architecture})
		if resp.Weights != "" {
			rows = append(rows, []string{"", "weights", resp.Weights})
		}
		rows = append(rows, []string{"", "parameters", format.HumanNumber(resp.Parameters)})
		rows = append(rows, []string{"", "latent channels", strconv.Itoa(resp.LatentChannels)})
		rows = append(rows, []string{"", "scale", strconv.FormatFloat(resp.Scale, 'g', -1, 64)})
		rows = append(rows, []string{"", "downsample", strconv.Itoa(resp.Downsample)})
		rows = append(rows, []string{"", "stages", strconv.Itoa(len(resp.Stages))})
		return
	})

	tableRender("Tensors", func() (rows [][]string) {
		for _, t := range resp.Tensors {
			rows = append(rows, []string{"", t.Name, format.Shape(t.Shape), t.DType})
		}
		return
	})

	return nil
}

func RunServer(_ *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	err = server.Serve(ln)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func versionHandler(cmd *cobra.Command, _ []string) {
	serverVersion, err := api.ClientFromEnvironment().Version(cmd.Context())
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Warning: could not connect to a running sdvae instance")
	}

	if serverVersion != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "sdvae version is %s\n", serverVersion)
	}

	if serverVersion != version.Version {
		fmt.Fprintf(cmd.OutOrStdout(), "Warning: client version is %s\n", version.Version)
	}
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "sdvae",
		Short:         "Stable Diffusion VAE latent encoder",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
		Run: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	encodeCmd := &cobra.Command{
		Use:     "encode IMAGE...",
		Short:   "Encode images into latents",
		Args:    cobra.MinimumNArgs(1),
		PreRunE: checkFit,
		RunE:    EncodeHandler,
	}

	encodeCmd.Flags().Int("size", runner.DefaultSize, "Height and width images are resized to")
	encodeCmd.Flags().String("fit", string(imageproc.FitStretch), "How images are resized: stretch or pad")
	encodeCmd.Flags().Uint64("seed", 0, "Seed for the sampling noise (default random)")
	encodeCmd.Flags().Bool("mean-only", false, "Return the scaled distribution mean instead of a sample")
	encodeCmd.Flags().StringP("output", "o", "", "Write the latent to a safetensors file")
	encodeCmd.Flags().Bool("remote", false, "Encode with a running sdvae server")

	showCmd := &cobra.Command{
		Use:   "show [WEIGHTS]",
		Short: "Show the encoder layout and weights",
		Args:  cobra.MaximumNArgs(1),
		RunE:  ShowHandler,
	}

	showCmd.Flags().Bool("remote", false, "Show the encoder loaded by a running sdvae server")

	for _, cmd := range []*cobra.Command{encodeCmd, showCmd} {
		cmd.Flags().String("weights", envconfig.Weights, "Path to the VAE weights (safetensors)")
		cmd.Flags().String("arch", envconfig.Arch, fmt.Sprintf("Encoder architecture (%s)", strings.Join(model.Architectures(), ", ")))
	}

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start sdvae",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["SDVAE_HOST"], envVars["SDVAE_DEBUG"], envVars["SDVAE_NUM_THREADS"]}

	for _, cmd := range []*cobra.Command{encodeCmd, showCmd, serveCmd} {
		switch cmd {
		case serveCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["SDVAE_DEBUG"],
				envVars["SDVAE_HOST"],
				envVars["SDVAE_WEIGHTS"],
				envVars["SDVAE_ARCH"],
				envVars["SDVAE_NUM_PARALLEL"],
				envVars["SDVAE_MAX_SIZE"],
				envVars["SDVAE_NUM_THREADS"],
				envVars["SDVAE_ORIGINS"],
			})
		default:
			appendEnvDocs(cmd, append(envs, envVars["SDVAE_WEIGHTS"], envVars["SDVAE_ARCH"]))
		}
	}

	rootCmd.AddCommand(
		serveCmd,
		encodeCmd,
		showCmd,
	)

	return rootCmd
}

func checkFit(cmd *cobra.Command, _ []string) error {
	fit, _ := cmd.Flags().GetString("fit")
	switch imageproc.Fit(fit) {
	case imageproc.FitStretch, imageproc.FitPad:
		return nil
	default:
		return fmt.Errorf("unknown fit %q, expected %s or %s", fit, imageproc.FitStretch, imageproc.FitPad)
	}
}
