package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/edutrack-api/internal/middleware"
	"github.com/noah-isme/edutrack-api/internal/service"
)

// Routes bundles the handlers and guards mounted by RegisterRoutes.
type Routes struct {
	Auth          middleware.TokenAuthenticator
	Guard         *service.Guard
	AuthHandler   *AuthHandler
	Users         *UserHandler
	Courses       *CourseHandler
	Enrollments   *EnrollmentHandler
	Audit         *AuditHandler
	Observability *MetricsHandler
}

// RegisterRoutes mounts the operations endpoints on r and the API under prefix.
func RegisterRoutes(r *gin.Engine, prefix string, rt Routes) {
	r.GET("/health", rt.Observability.Health)
	r.GET("/ready", rt.Observability.Ready)
	r.GET("/metrics", rt.Observability.Prometheus)

	jwt := middleware.JWT(rt.Auth, rt.Guard)
	optionalJWT := middleware.OptionalJWT(rt.Auth, rt.Guard)
	can := func(action service.Action) gin.HandlerFunc {
		return middleware.RequireAction(rt.Guard, action)
	}

	api := r.Group(prefix)

	auth := api.Group("/auth")
	auth.POST("/login", rt.AuthHandler.Login)
	auth.POST("/refresh", rt.AuthHandler.Refresh)
	auth.POST("/logout", jwt, rt.AuthHandler.Logout)

	users := api.Group("/users")
	users.POST("", rt.Users.Register)
	users.GET("/me", jwt, rt.Users.Me)
	users.PATCH("/me", jwt, rt.Users.UpdateMe)
	users.GET("", jwt, can(service.ActionUserList), rt.Users.List)
	users.GET("/:id", jwt, rt.Users.Get)
	users.PATCH("/:id", jwt, can(service.ActionUserUpdate), rt.Users.Update)
	users.PATCH("/:id/status", jwt, can(service.ActionUserSetStatus), rt.Users.SetStatus)

	courses := api.Group("/courses")
	courses.GET("/public", rt.Courses.ListPublic)
	courses.GET("/:id", optionalJWT, rt.Courses.Get)
	courses.POST("", jwt, can(service.ActionCourseCreate), rt.Courses.Create)
	courses.PUT("/:id", jwt, can(service.ActionCourseUpdate), rt.Courses.Update)
	courses.PATCH("/:id/status", jwt, can(service.ActionCourseSetStatus), rt.Courses.SetStatus)
	courses.GET("/:id/roster", jwt, can(service.ActionCourseRoster), rt.Courses.Roster)

	enrollments := api.Group("/enrollments", jwt)
	enrollments.POST("", can(service.ActionEnrollSelf), rt.Enrollments.Enroll)
	enrollments.POST("/admin", can(service.ActionEnrollmentAdminCreate), rt.Enrollments.AdminEnroll)
	enrollments.GET("", can(service.ActionEnrollmentListAll), rt.Enrollments.List)
	enrollments.GET("/me", can(service.ActionEnrollmentListOwn), rt.Enrollments.ListMine)
	enrollments.GET("/user/:user_id", can(service.ActionEnrollmentListByUser), rt.Enrollments.ListForUser)
	enrollments.GET("/by-course/:course_id", can(service.ActionEnrollmentListByCourse), rt.Enrollments.ListForCourse)
	enrollments.GET("/:id", rt.Enrollments.Get)
	enrollments.PATCH("/:id", rt.Enrollments.Deregister)

	api.GET("/audit-logs", jwt, can(service.ActionAuditRead), rt.Audit.List)
}
