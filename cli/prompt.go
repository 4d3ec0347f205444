package cli

import (
	"errors"
	"io"

	"github.com/manifoldco/promptui"
)

// PromptConfirm asks a yes/no question. Anything but yes is a no.
func PromptConfirm(in io.ReadCloser, out io.WriteCloser, label string) (bool, error) {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
		Stdin:     in,
		Stdout:    out,
	}

	_, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrAbort) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}
