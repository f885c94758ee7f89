package email

import (
	"bytes"
	"html/template"
)

var (
	confirmTemplate = template.Must(template.New("confirm").Parse(`<!DOCTYPE html>
<html>
<body>
<p>Hi {{.Name}},</p>
<p>Welcome to chatrelay. Please confirm your email address:</p>
<p><a href="{{.Link}}">Confirm my email</a></p>
<p>The link expires in 24 hours.</p>
</body>
</html>
`))

	resetTemplate = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html>
<body>
<p>Hi {{.Name}},</p>
<p>Someone asked to reset the password of your chatrelay account. If it was you, follow the link below:</p>
<p><a href="{{.Link}}">Reset my password</a></p>
<p>The link expires in one hour. If you did not ask for this, ignore this email.</p>
</body>
</html>
`))
)

type linkData struct {
	Name string
	Link string
}

func render(t *template.Template, data linkData) (string, error) {
	var b bytes.Buffer
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
