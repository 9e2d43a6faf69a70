package locator

import "strings"

var (
	passwordWords = []string{"password", "contraseña", "contrasena", "clave", "passwort"}
	emailWords    = []string{"email", "e-mail", "correo", "mail"}
	userWords     = []string{"usuario", "username", "user", "login id", "nombre de usuario"}
	buttonWords   = []string{"button", "botón", "boton", "click", "submit", "ingresar", "login", "log in", "sign in", "enviar", "entrar", "iniciar", "acceder"}
	fieldWords    = []string{"field", "input", "text", "campo", "textbox"}

	// AffirmativeWords are the button captions tried when a button hint has
	// no usable text of its own.
	AffirmativeWords = []string{
		"Submit", "Login", "Log in", "Sign in", "Ingresar", "Iniciar sesión",
		"Entrar", "Enviar", "Continue", "Continuar", "Next", "Siguiente",
		"Aceptar", "Accept", "OK", "Save", "Guardar",
	}
)

func (h Hint) MentionsPassword() bool { return containsAny(h.Lower(), passwordWords) }
func (h Hint) MentionsEmail() bool    { return containsAny(h.Lower(), emailWords) }
func (h Hint) MentionsUser() bool     { return containsAny(h.Lower(), userWords) }
func (h Hint) MentionsButton() bool   { return containsAny(h.Lower(), buttonWords) }
func (h Hint) MentionsField() bool    { return containsAny(h.Lower(), fieldWords) }

// ButtonText is the caption a button hint points at: the explicit or quoted
// text, else the search text without button words.
func (h Hint) ButtonText() string {
	if h.Text != "" {
		return h.Text
	}
	words := strings.Fields(h.SearchText())
	kept := words[:0:0]
	for _, w := range words {
		if containsAny(strings.ToLower(w), []string{"button", "botón", "boton", "click", "submit"}) {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
