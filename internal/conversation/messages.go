package conversation

import (
	"golang.org/x/text/language"
)

// supported lists the languages with a message catalog. The first entry
// is the fallback for anything unmatched.
var supported = []language.Tag{
	language.English,
	language.German,
	language.French,
	language.Spanish,
	language.Dutch,
}

var matcher = language.NewMatcher(supported)

// catalog holds the user-facing failure messages per base language.
var catalog = map[language.Base]map[Failure]string{
	base(language.English): {
		FailureCommunication:  "I couldn't reach the Ollama server, please check the logs for more information.",
		FailureTimeout:        "The Ollama server took too long to answer, please check the logs for more information.",
		FailureServer:         "The Ollama server returned an error",
		FailureAuthentication: "The Ollama server refused the request, please check the logs for more information.",
		FailureUnknown:        "Something went wrong, please check the logs for more information.",
		FailureTemplate:       "I had a problem with my system prompt, please check the logs for more information.",
	},
	base(language.German): {
		FailureCommunication:  "Ich konnte den Ollama-Server nicht erreichen, bitte prüfe die Logs für weitere Informationen.",
		FailureTimeout:        "Der Ollama-Server hat zu lange gebraucht, bitte prüfe die Logs für weitere Informationen.",
		FailureServer:         "Der Ollama-Server hat einen Fehler gemeldet",
		FailureAuthentication: "Der Ollama-Server hat die Anfrage abgelehnt, bitte prüfe die Logs für weitere Informationen.",
		FailureUnknown:        "Etwas ist schiefgelaufen, bitte prüfe die Logs für weitere Informationen.",
		FailureTemplate:       "Es gab ein Problem mit meinem System-Prompt, bitte prüfe die Logs für weitere Informationen.",
	},
	base(language.French): {
		FailureCommunication:  "Je n'ai pas pu joindre le serveur Ollama, veuillez consulter les journaux pour plus d'informations.",
		FailureTimeout:        "Le serveur Ollama a mis trop de temps à répondre, veuillez consulter les journaux pour plus d'informations.",
		FailureServer:         "Le serveur Ollama a renvoyé une erreur",
		FailureAuthentication: "Le serveur Ollama a refusé la requête, veuillez consulter les journaux pour plus d'informations.",
		FailureUnknown:        "Une erreur s'est produite, veuillez consulter les journaux pour plus d'informations.",
		FailureTemplate:       "J'ai eu un problème avec mon prompt système, veuillez consulter les journaux pour plus d'informations.",
	},
	base(language.Spanish): {
		FailureCommunication:  "No pude conectar con el servidor de Ollama, revisa los registros para más información.",
		FailureTimeout:        "El servidor de Ollama tardó demasiado en responder, revisa los registros para más información.",
		FailureServer:         "El servidor de Ollama devolvió un error",
		FailureAuthentication: "El servidor de Ollama rechazó la solicitud, revisa los registros para más información.",
		FailureUnknown:        "Algo salió mal, revisa los registros para más información.",
		FailureTemplate:       "Tuve un problema con mi prompt de sistema, revisa los registros para más información.",
	},
	base(language.Dutch): {
		FailureCommunication:  "Ik kon de Ollama-server niet bereiken, controleer de logs voor meer informatie.",
		FailureTimeout:        "De Ollama-server deed er te lang over om te antwoorden, controleer de logs voor meer informatie.",
		FailureServer:         "De Ollama-server gaf een fout terug",
		FailureAuthentication: "De Ollama-server weigerde het verzoek, controleer de logs voor meer informatie.",
		FailureUnknown:        "Er is iets misgegaan, controleer de logs voor meer informatie.",
		FailureTemplate:       "Ik had een probleem met mijn systeemprompt, controleer de logs voor meer informatie.",
	},
}

func base(t language.Tag) language.Base {
	b, _ := t.Base()
	return b
}

// failureSpeech returns the localized message for f. detail, when set,
// is a server-supplied diagnostic appended to FailureServer messages.
func failureSpeech(lang string, f Failure, detail string) string {
	msgs := catalog[base(matchLanguage(lang))]
	msg, ok := msgs[f]
	if !ok {
		msg = catalog[base(language.English)][FailureUnknown]
	}
	if f == FailureServer {
		if detail != "" {
			return msg + ": " + detail
		}
		return msg + "."
	}
	return msg
}

// matchLanguage picks the best supported language for a BCP 47 tag,
// defaulting to English for empty or unparsable input.
func matchLanguage(lang string) language.Tag {
	if lang == "" {
		return language.English
	}
	tags, _, err := language.ParseAcceptLanguage(lang)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, idx, _ := matcher.Match(tags...)
	return supported[idx]
}
