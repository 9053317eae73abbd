package xapi

const (
	adlVerbs = "http://adlnet.gov/expapi/verbs"
	adlTypes = "http://adlnet.gov/expapi/activities"
)

func verb(id, en, local string) Verb {
	return Verb{ID: id, Display: LanguageMap{"en": en, "id": local}}
}

// Standard verbs from the ADL and video profile registries.
var (
	VerbEnrolled   = verb(adlVerbs+"/registered", "enrolled", "mendaftar")
	VerbLaunched   = verb(adlVerbs+"/launched", "launched", "memulai")
	VerbAttempted  = verb(adlVerbs+"/attempted", "attempted", "mencoba")
	VerbCompleted  = verb(adlVerbs+"/completed", "completed", "menyelesaikan")
	VerbPassed     = verb(adlVerbs+"/passed", "passed", "lulus")
	VerbFailed     = verb(adlVerbs+"/failed", "failed", "tidak lulus")
	VerbProgressed = verb(adlVerbs+"/progressed", "progressed", "melanjutkan")
	VerbAnswered   = verb(adlVerbs+"/answered", "answered", "menjawab")
	VerbAttended   = verb(adlVerbs+"/attended", "attended", "menghadiri")
	VerbEarned     = verb("http://id.tincanapi.com/verb/earned", "earned", "mendapatkan")
	VerbPlayed     = verb("https://w3id.org/xapi/video/verbs/played", "played", "memutar")
	VerbPaused     = verb("https://w3id.org/xapi/video/verbs/paused", "paused", "menjeda")
	VerbSeeked     = verb("https://w3id.org/xapi/video/verbs/seeked", "seeked", "mencari")
)

// Activity type IRIs used in ActivityDefinition.Type.
const (
	TypeCourse      = adlTypes + "/course"
	TypeModule      = adlTypes + "/module"
	TypeLesson      = adlTypes + "/lesson"
	TypeAssessment  = adlTypes + "/assessment"
	TypeQuestion    = adlTypes + "/cmi.interaction"
	TypeMeeting     = adlTypes + "/meeting"
	TypeVideo       = "https://w3id.org/xapi/video/activity-type/video"
	TypeCertificate = "http://id.tincanapi.com/activitytype/certificate"
)

// Video profile extension keys.
const (
	ExtVideoTime     = "https://w3id.org/xapi/video/extensions/time"
	ExtVideoTimeFrom = "https://w3id.org/xapi/video/extensions/time-from"
	ExtVideoTimeTo   = "https://w3id.org/xapi/video/extensions/time-to"
	ExtVideoProgress = "https://w3id.org/xapi/video/extensions/progress"
)
