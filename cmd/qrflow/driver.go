package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/term"

	"github.com/stemsi/exstem-qr/internal/flow"
	"github.com/stemsi/exstem-qr/internal/service"
)

// driver walks a controller through one visit on a terminal.
type driver struct {
	in  *bufio.Reader
	out io.Writer
	// fd is the terminal the code is read from without echo; -1 reads it
	// like any other line.
	fd int

	files []string
	text  string
}

func (d *driver) run(ctx context.Context, ctrl *flow.Controller) error {
	defer ctrl.Wait()

	view := ctrl.Start(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if view.Message != "" {
			fmt.Fprintf(d.out, "! %s\n", view.Message)
		}

		var err error
		switch view.State.Phase {
		case flow.PhaseLoading:
			retry, cerr := d.confirm("Try again?")
			if cerr != nil || !retry {
				return cerr
			}
			view = ctrl.Start(ctx)
		case flow.PhaseAuthenticating:
			view, err = d.authenticate(ctx, ctrl, view)
		case flow.PhaseQuestion:
			if view.LimitReached {
				return nil
			}
			view, err = d.answer(ctx, ctrl, view)
		case flow.PhaseSubmitted:
			d.printResult(view)
			if !view.CanSubmitAnother {
				return nil
			}
			again, cerr := d.confirm("Submit another attempt?")
			if cerr != nil || !again {
				return cerr
			}
			view = ctrl.SubmitAnother()
		}
		if err != nil {
			return err
		}
	}
}

func (d *driver) authenticate(ctx context.Context, ctrl *flow.Controller, view flow.View) (flow.View, error) {
	if view.State.Auth == service.StepPhoneEntry {
		fmt.Fprintf(d.out, "Sign in to answer for %s.\n", displayName(view))
		mobile, err := d.prompt("Mobile number")
		if err != nil {
			return view, err
		}
		return ctrl.SendCode(ctx, mobile), nil
	}

	var name string
	if view.NameRequired {
		var err error
		if name, err = d.prompt("Your name"); err != nil {
			return view, err
		}
	}
	otp, err := d.secret(fmt.Sprintf("Code sent to %s (empty to change number)", mask(view.Auth.Mobile)))
	if err != nil {
		return view, err
	}
	if otp == "" {
		return ctrl.ChangeMobile(), nil
	}
	return ctrl.VerifyCode(ctx, otp, name), nil
}

func (d *driver) answer(ctx context.Context, ctrl *flow.Controller, view flow.View) (flow.View, error) {
	if len(view.Files) > 0 || strings.TrimSpace(view.Text) != "" {
		retry, err := d.confirm(fmt.Sprintf("Submit the same answer again (%d file(s))?", len(view.Files)))
		if err != nil {
			return view, err
		}
		if retry {
			return ctrl.Submit(ctx), nil
		}
		for _, f := range view.Files {
			_ = ctrl.RemoveFile(f.ID)
		}
		_ = ctrl.SetText("")
	}

	d.printQuestion(view)

	paths, text := d.files, d.text
	d.files, d.text = nil, ""
	if len(paths) == 0 && text == "" {
		var err error
		if paths, err = d.promptFiles(view.Limits.MaxFiles); err != nil {
			return view, err
		}
		if text, err = d.prompt("Typed answer (optional)"); err != nil {
			return view, err
		}
	}

	var candidates []service.Candidate
	for _, p := range paths {
		c, err := service.FromPath(p)
		if err != nil {
			fmt.Fprintf(d.out, "! %v\n", err)
			continue
		}
		candidates = append(candidates, c)
	}
	res, err := ctrl.AddFiles(candidates)
	if err != nil {
		return ctrl.View(), nil
	}
	if res.Message != "" {
		fmt.Fprintf(d.out, "! %s\n", res.Message)
	}
	if err := ctrl.SetText(text); err != nil {
		return ctrl.View(), nil
	}

	fmt.Fprintln(d.out, "Submitting...")
	return ctrl.Submit(ctx), nil
}

func (d *driver) promptFiles(max int) ([]string, error) {
	var paths []string
	for len(paths) < max {
		p, err := d.prompt(fmt.Sprintf("File to attach %d/%d (empty to finish)", len(paths)+1, max))
		if err != nil {
			return nil, err
		}
		if p == "" {
			break
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (d *driver) printQuestion(view flow.View) {
	q := view.Question
	if q == nil {
		return
	}
	fmt.Fprintf(d.out, "\n%s\n%s\n", displayName(view), plainText(q.Prompt))
	fmt.Fprintf(d.out, "Marks: %g", q.MaxMarks)
	if q.WordLimit > 0 {
		fmt.Fprintf(d.out, " · Word limit: %d", q.WordLimit)
	}
	if q.EstimatedTime > 0 {
		fmt.Fprintf(d.out, " · About %d min", q.EstimatedTime)
	}
	if view.RemainingAttempts != nil {
		fmt.Fprintf(d.out, " · Attempts left: %d", *view.RemainingAttempts)
	}
	fmt.Fprintln(d.out)
}

func (d *driver) printResult(view flow.View) {
	r := view.Result
	if r == nil {
		return
	}
	fmt.Fprintf(d.out, "Submitted attempt %d (%d image(s) accepted).\n", r.AttemptNumber, r.ImagesAccepted)
	if r.Evaluation != nil {
		fmt.Fprintf(d.out, "Score: %g · Accuracy: %g%%\n", r.Evaluation.MarksAwarded, r.Evaluation.Accuracy)
	}
	if view.LimitReached {
		fmt.Fprintln(d.out, "No attempts left for this question.")
	} else {
		fmt.Fprintf(d.out, "Attempts left: %d\n", r.RemainingAttempts)
	}
}

func (d *driver) prompt(label string) (string, error) {
	fmt.Fprintf(d.out, "%s: ", label)
	line, err := d.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (d *driver) secret(label string) (string, error) {
	if d.fd < 0 || !term.IsTerminal(d.fd) {
		return d.prompt(label)
	}
	fmt.Fprintf(d.out, "%s: ", label)
	b, err := term.ReadPassword(d.fd)
	fmt.Fprintln(d.out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (d *driver) confirm(label string) (bool, error) {
	answer, err := d.prompt(label + " [y/N]")
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes", nil
}

func displayName(view flow.View) string {
	if view.DisplayName != "" {
		return view.DisplayName
	}
	return "this question"
}

// mask hides all but the last four digits.
func mask(mobile string) string {
	if len(mobile) <= 4 {
		return mobile
	}
	return strings.Repeat("•", len(mobile)-4) + mobile[len(mobile)-4:]
}

// plainText renders the question's HTML for the terminal.
func plainText(fragment string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "br", "p", "div", "li", "tr", "h1", "h2", "h3":
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteByte('\n')
				}
			}
		}
	}
}
